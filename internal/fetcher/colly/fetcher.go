// Package collyfetcher retrieves source images using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the downloaded body. Zero keeps colly's default.
	MaxBodySize int
}

// Fetcher implements lens.ImageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil to disable per-host pacing.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Distinct jobs may name the same source URL.
	c.AllowURLRevisit = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
		logger:        logger,
	}
}

// FetchImage executes a single HTTP GET for an image URL. The Referer is
// derived from the image's own origin so hotlink-protected hosts serve the
// bytes. Failures carry the terse error texts stored on failed jobs.
func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) (lens.FetchedImage, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return lens.FetchedImage{}, err
		}
	}

	var (
		result    lens.FetchedImage
		fetchErr  error
		errStatus int
	)
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr, &errStatus)

	if err := f.runCollector(ctx, collector, rawURL); err != nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return lens.FetchedImage{StatusCode: errStatus, Duration: time.Since(start)}, f.classify(rawURL, fetchErr, errStatus)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	start time.Time,
	result *lens.FetchedImage,
	fetchErr *error,
	errStatus *int,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// Direct artifact retrieval, not a crawl.
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	f.configureCollectorHooks(collector, start, result, fetchErr, errStatus)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *lens.FetchedImage,
	fetchErr *error,
	errStatus *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if ref := originReferer(r.URL); ref != "" {
			r.Headers.Set("Referer", ref)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = lens.FetchedImage{
			Body:       append([]byte(nil), r.Body...),
			StatusCode: r.StatusCode,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*errStatus = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// classify folds transport failures into the stable error texts surfaced to
// clients. The underlying cause is logged, not returned.
func (f *Fetcher) classify(rawURL string, err error, status int) error {
	f.logger.Debug("image fetch failed",
		zap.String("url", rawURL),
		zap.Int("status", status),
		zap.Error(err),
	)
	switch {
	case status > 0:
		return lens.WithKind(lens.KindFetch, fmt.Errorf("fetch image HTTP %d", status))
	case isTimeout(err):
		return lens.WithKind(lens.KindTimeout, errors.New("fetch image TIMEOUT"))
	default:
		return lens.WithKind(lens.KindFetch, fmt.Errorf("fetch image ERROR %s", errTypeName(err)))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errTypeName yields a short type name for an error, mirroring how transport
// failures are reported to clients without leaking full error chains.
func errTypeName(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		err = ue.Err
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// originReferer builds "scheme://host/" from the target URL.
func originReferer(u *url.URL) string {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
