// Package cookies resolves the Google session cookies the lens endpoints
// require, caching them between refreshes.
package cookies

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
)

// Grabber pulls cookies out of a live browser session. The browser package
// implements this by navigating to the lens origin and reading the jar.
type Grabber interface {
	GrabCookies(ctx context.Context) (map[string]string, error)
}

// Config controls the provider chain.
type Config struct {
	// JSONURL optionally points at a JSON document carrying cookies, either
	// as a bare name->value map or under a "cookies" key.
	JSONURL string
	// RemoteTTL is how long remotely fetched cookies stay fresh.
	RemoteTTL time.Duration
	// BrowserTTL is how long browser-grabbed cookies stay fresh. Browser
	// grabs are expensive, so this is typically longer.
	BrowserTTL time.Duration
	// FetchTimeout bounds the remote JSON fetch.
	FetchTimeout time.Duration
}

const (
	defaultRemoteTTL    = 10 * time.Minute
	defaultBrowserTTL   = 15 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	maxCookieJSONBytes  = 1 << 20
)

// Provider implements lens.CookieProvider. It prefers the remote JSON
// source and falls back to grabbing cookies from a headless browser.
type Provider struct {
	cfg     Config
	grabber Grabber
	client  *http.Client
	clock   lens.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	cached    lens.CookieSet
	fetchedAt time.Time
}

// NewProvider builds a Provider. grabber may be nil when no browser is
// available; the provider then serves remote cookies only.
func NewProvider(cfg Config, grabber Grabber, clock lens.Clock, logger *zap.Logger) *Provider {
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = defaultRemoteTTL
	}
	if cfg.BrowserTTL <= 0 {
		cfg.BrowserTTL = defaultBrowserTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:     cfg,
		grabber: grabber,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		clock:   clock,
		logger:  logger,
	}
}

// Cookies returns the current cookie set, refreshing it when the cache has
// expired. Remote cookies win over browser grabs.
func (p *Provider) Cookies(ctx context.Context) (lens.CookieSet, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if len(p.cached.Values) > 0 && now.Sub(p.fetchedAt) < p.ttlFor(p.cached.Source) {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	if p.cfg.JSONURL != "" {
		set, err := p.fetchRemote(ctx)
		if err == nil {
			metrics.ObserveCookieRefresh(string(lens.CookieSourceRemote), "ok")
			p.store(set, now)
			return set, nil
		}
		metrics.ObserveCookieRefresh(string(lens.CookieSourceRemote), "error")
		p.logger.Warn("cookie json fetch failed, falling back to headless chrome", zap.Error(err))
	}

	if p.grabber == nil {
		return lens.CookieSet{}, lens.ErrNoCookies
	}
	values, err := p.grabber.GrabCookies(ctx)
	if err != nil {
		metrics.ObserveCookieRefresh(string(lens.CookieSourceBrowser), "error")
		return lens.CookieSet{}, lens.WithKind(lens.KindBrowser, fmt.Errorf("grab cookies: %w", err))
	}
	metrics.ObserveCookieRefresh(string(lens.CookieSourceBrowser), "ok")
	set := lens.CookieSet{Values: values, Source: lens.CookieSourceBrowser}
	p.store(set, now)
	return set, nil
}

func (p *Provider) ttlFor(source lens.CookieSource) time.Duration {
	if source == lens.CookieSourceBrowser {
		return p.cfg.BrowserTTL
	}
	return p.cfg.RemoteTTL
}

func (p *Provider) store(set lens.CookieSet, at time.Time) {
	p.mu.Lock()
	p.cached = set
	p.fetchedAt = at
	p.mu.Unlock()
}

func (p *Provider) fetchRemote(ctx context.Context) (lens.CookieSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.JSONURL, nil)
	if err != nil {
		return lens.CookieSet{}, fmt.Errorf("new cookie request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return lens.CookieSet{}, fmt.Errorf("fetch cookie json: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close cookie response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return lens.CookieSet{}, fmt.Errorf("cookie json HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCookieJSONBytes))
	if err != nil {
		return lens.CookieSet{}, fmt.Errorf("read cookie json: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return lens.CookieSet{}, fmt.Errorf("decode cookie json: %w", err)
	}
	values := flattenCookieObject(raw)
	if len(values) == 0 {
		return lens.CookieSet{}, fmt.Errorf("cookie json contained no cookies")
	}
	return lens.CookieSet{Values: values, Source: lens.CookieSourceRemote}, nil
}

// flattenCookieObject accepts either a bare name->value map or a document
// with the map under a "cookies" key.
func flattenCookieObject(raw map[string]any) map[string]string {
	obj := raw
	if nested, ok := raw["cookies"].(map[string]any); ok {
		obj = nested
	}
	values := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		case map[string]any, []any:
			// Nested structures are metadata, not cookie values.
		default:
			values[k] = fmt.Sprint(tv)
		}
	}
	delete(values, "_source")
	return values
}

// AuthHeaders derives the SAPISIDHASH authorization headers for the origin.
// It returns an empty map when the cookie set has no SAPISID, in which case
// the upload proceeds unauthenticated.
func AuthHeaders(set lens.CookieSet, origin string, now time.Time) map[string]string {
	sid, ok := set.SAPISID()
	if !ok {
		return map[string]string{}
	}
	ts := now.Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%d %s %s", ts, sid, origin)))
	return map[string]string{
		"X-Origin":        origin,
		"X-Goog-AuthUser": "0",
		"Authorization":   fmt.Sprintf("SAPISIDHASH %d_%s", ts, hex.EncodeToString(sum[:])),
	}
}
