// Package browser owns the shared headless Chrome instance used to
// bootstrap Google session cookies and to read translated overlays out of
// rendered result pages. One process is kept warm, tabs are lent out under
// a session cap, and the process is quit once it has sat idle long enough.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
)

// Config controls the managed Chrome instance.
type Config struct {
	// ExecPath locates the Chrome binary. Empty lets chromedp discover one.
	ExecPath string
	// ExtraArgs are raw --flag or --flag=value strings appended to the
	// default allocator options.
	ExtraArgs []string
	// ProfileBase is the parent directory for throwaway user-data dirs.
	ProfileBase string
	UserAgent   string
	// CookieURL is the page visited when harvesting session cookies.
	CookieURL string
	// MaxSessions caps concurrently lent tabs.
	MaxSessions int
	// IdleTimeout quits the browser once no tab has been lent for this long.
	IdleTimeout time.Duration
	// NavTimeout bounds one navigate-and-extract pass in a tab.
	NavTimeout time.Duration
	// WindowWidth and WindowHeight size the browser window when set.
	WindowWidth  int
	WindowHeight int
}

// Browser keeps at most one Chrome process alive and lends tabs to callers.
type Browser struct {
	cfg    Config
	clock  lens.Clock
	logger *zap.Logger

	slots chan struct{}

	mu          sync.Mutex
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	profileDir  string
	staleDirs   []string
	lastUse     time.Time
	inflight    int
	closed      bool

	reapQuit chan struct{}
	reapDone chan struct{}
}

var errClosed = errors.New("browser manager closed")

// New builds a Browser and starts its idle reaper. Chrome itself is not
// launched until the first tab is requested.
func New(cfg Config, clock lens.Clock, logger *zap.Logger) *Browser {
	if cfg.ProfileBase == "" {
		cfg.ProfileBase = os.TempDir()
	}
	if cfg.CookieURL == "" {
		cfg.CookieURL = "https://lens.google.com/"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 25 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxSessions),
		reapQuit: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go b.reapLoop()
	return b
}

// Close quits Chrome, stops the reaper, and removes leftover profile dirs.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.teardownLocked()
	dirs := append([]string(nil), b.staleDirs...)
	b.staleDirs = nil
	b.mu.Unlock()

	close(b.reapQuit)
	<-b.reapDone

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Debug("failed to remove chrome profile dir", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// withTab lends one tab, runs the actions in it, and retries once on a
// fresh browser if the first attempt fails. The retry mirrors how a dead
// driver is replaced mid-job.
func (b *Browser) withTab(ctx context.Context, actions ...chromedp.Action) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	err := b.runOnce(actions)
	if err == nil || ctx.Err() != nil {
		return err
	}
	b.logger.Warn("browser action failed, recycling chrome", zap.Error(err))
	b.recycle()
	return b.runOnce(actions)
}

func (b *Browser) runOnce(actions []chromedp.Action) error {
	bctx, err := b.ensure()
	if err != nil {
		return err
	}
	tabCtx, closeTab := chromedp.NewContext(bctx)
	defer closeTab()
	runCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// ensure returns a live browser context, launching Chrome if needed. A
// failed launch is retried once with a fresh profile directory.
func (b *Browser) ensure() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		b.lastUse = b.clock.Now()
		return b.browserCtx, nil
	}
	b.teardownLocked()

	if err := b.launchLocked(); err != nil {
		b.logger.Warn("chrome launch failed, retrying with a fresh profile dir", zap.Error(err))
		if err := b.launchLocked(); err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	}
	b.lastUse = b.clock.Now()
	return b.browserCtx, nil
}

func (b *Browser) launchLocked() error {
	dir, err := b.newProfileDir()
	if err != nil {
		return err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.Flag("profile-directory", "Default"),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.WindowWidth > 0 && b.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(b.cfg.WindowWidth, b.cfg.WindowHeight))
	}
	opts = append(opts, flagOptions(b.cfg.ExtraArgs)...)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Force the process to start and answer before handing out tabs.
	probeCtx, cancel := context.WithTimeout(browserCtx, b.cfg.NavTimeout)
	defer cancel()
	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		browserStop()
		allocCancel()
		b.removeDir(dir)
		return fmt.Errorf("start chrome: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserStop = browserStop
	b.profileDir = dir
	metrics.IncBrowserSessions()
	b.logger.Info("started headless chrome", zap.String("profile", dir))
	return nil
}

// teardownLocked quits the current browser, if any. Callers hold b.mu.
func (b *Browser) teardownLocked() {
	if b.browserCtx == nil {
		return
	}
	b.browserStop()
	b.allocCancel()
	b.removeDir(b.profileDir)
	b.browserCtx = nil
	b.browserStop = nil
	b.allocCancel = nil
	b.profileDir = ""
	metrics.DecBrowserSessions()
}

func (b *Browser) recycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

// Alive reports whether a Chrome process is currently running.
func (b *Browser) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browserCtx != nil
}

// Inflight reports how many tabs are currently lent out.
func (b *Browser) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

func (b *Browser) acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
	b.mu.Lock()
	b.inflight++
	b.lastUse = b.clock.Now()
	b.mu.Unlock()
	return nil
}

func (b *Browser) release() {
	b.mu.Lock()
	b.inflight--
	b.lastUse = b.clock.Now()
	b.mu.Unlock()
	<-b.slots
}

func (b *Browser) reapLoop() {
	defer close(b.reapDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.reapQuit:
			return
		case <-ticker.C:
			b.reapIfIdle()
		}
	}
}

func (b *Browser) reapIfIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil || b.inflight > 0 {
		return
	}
	idle := b.clock.Now().Sub(b.lastUse)
	if idle <= b.cfg.IdleTimeout {
		return
	}
	b.logger.Info("quitting idle chrome", zap.Duration("idle", idle))
	b.teardownLocked()
}

func (b *Browser) newProfileDir() (string, error) {
	name := fmt.Sprintf("chrome-profile-%d-%s", os.Getpid(), strings.ReplaceAll(uuid.NewString(), "-", ""))
	dir := filepath.Join(b.cfg.ProfileBase, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create chrome profile dir: %w", err)
	}
	b.staleDirs = append(b.staleDirs, dir)
	return dir, nil
}

func (b *Browser) removeDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		b.logger.Debug("failed to remove chrome profile dir", zap.String("dir", dir), zap.Error(err))
	}
}

// flagOptions parses raw --flag and --flag=value strings into allocator
// options so deployments can tune Chrome without code changes.
func flagOptions(args []string) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		arg = strings.TrimPrefix(arg, "--")
		if name, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}
