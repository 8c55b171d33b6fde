// Package lensapi implements the wire protocol for the lens endpoints:
// the multipart image upload and the translated-result JSON fetch.
package lensapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"lenslate/internal/cookies"
	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/policy/ratelimit"
)

// Config addresses the upstream endpoints.
type Config struct {
	// Origin is the scheme+host of the lens service.
	Origin string
	// UserAgent is sent on every request.
	UserAgent string
	// UploadTimeout bounds the multipart upload.
	UploadTimeout time.Duration
	// ResultTimeout bounds the translated-JSON fetch.
	ResultTimeout time.Duration
}

// Outcome summarizes one upstream exchange for metrics and progress events.
type Outcome struct {
	StatusCode int
	Duration   time.Duration
	Bytes      int64
}

// Client talks to the lens endpoints. The upload response is a redirect that
// must be captured, not followed, so the underlying http.Client never
// follows redirects.
type Client struct {
	httpClient *http.Client
	cfg        Config
	cookieSrc  lens.CookieProvider
	limiter    *ratelimit.Limiter
	clock      lens.Clock
	logger     *zap.Logger
}

// New builds a Client. limiter may be nil to disable outbound pacing.
func New(cfg Config, cookieSrc lens.CookieProvider, limiter *ratelimit.Limiter, clock lens.Clock, logger *zap.Logger) *Client {
	if cfg.Origin == "" {
		cfg.Origin = "https://lens.google.com"
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 10 * time.Second
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:       cfg,
		cookieSrc: cookieSrc,
		limiter:   limiter,
		clock:     clock,
		logger:    logger,
	}
}

// Upload posts the image to the upload endpoint and returns the redirect
// location carrying the result session. Non-redirect responses are upstream
// failures.
func (c *Client) Upload(ctx context.Context, image []byte, dbg *lens.Debug) (string, Outcome, error) {
	if err := c.wait(ctx); err != nil {
		return "", Outcome{}, err
	}
	headers, err := c.baseHeaders(ctx)
	if err != nil {
		return "", Outcome{}, err
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreatePart(imagePartHeader())
	if err != nil {
		return "", Outcome{}, fmt.Errorf("create multipart image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", Outcome{}, fmt.Errorf("write multipart image: %w", err)
	}
	if err := mw.WriteField("sbisrc", "browser"); err != nil {
		return "", Outcome{}, fmt.Errorf("write sbisrc field: %w", err)
	}
	if err := mw.WriteField("rt", "j"); err != nil {
		return "", Outcome{}, fmt.Errorf("write rt field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", Outcome{}, fmt.Errorf("finish multipart body: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, c.cfg.Origin+"/v3/upload", body)
	if err != nil {
		return "", Outcome{}, fmt.Errorf("new upload request: %w", err)
	}
	req.Header = headers
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Outcome{Duration: c.clock.Now().Sub(start)}, lens.WithKind(kindFor(err), fmt.Errorf("lens upload: %w", err))
	}
	defer c.closeBody(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	out := Outcome{StatusCode: resp.StatusCode, Duration: c.clock.Now().Sub(start)}
	metrics.ObserveUpstreamRequest("upload", resp.StatusCode)
	dbg.AddStep("upload response status=%d", resp.StatusCode)

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusSeeOther {
		msg := fmt.Sprintf("Lens upload failed %d", resp.StatusCode)
		dbg.AddError("%s", msg)
		return "", out, lens.WithKind(lens.KindUpstream, fmt.Errorf("%s", msg))
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		dbg.AddError("no redirect location")
		return "", out, lens.WithKind(lens.KindUpstream, fmt.Errorf("no redirect location"))
	}
	dbg.AddStep("got redirect location: %s", loc)
	return loc, out, nil
}

// JSONURL derives the translated-result URL from the upload redirect. Both
// session parameters must be present; a redirect without them cannot yield
// a result.
func (c *Client) JSONURL(location, lang string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect location: %w", err)
	}
	q := parsed.Query()
	vsrid := q.Get("vsrid")
	if vsrid == "" {
		return "", lens.WithKind(lens.KindUpstream, fmt.Errorf("missing vsrid in redirect location"))
	}
	gsession := q.Get("gsessionid")
	if gsession == "" {
		return "", lens.WithKind(lens.KindUpstream, fmt.Errorf("missing gsessionid in redirect location"))
	}
	return fmt.Sprintf("%s/translatedimage?vsrid=%s&gsessionid=%s&sl=auto&tl=%s&sf=1.07&ib=1",
		c.cfg.Origin, vsrid, gsession, lang), nil
}

// FetchTranslation retrieves and decodes the translated-result JSON. The
// body arrives with an anti-hijacking prefix that is stripped before
// decoding.
func (c *Client) FetchTranslation(ctx context.Context, jsonURL string, dbg *lens.Debug) (map[string]any, Outcome, error) {
	if err := c.wait(ctx); err != nil {
		return nil, Outcome{}, err
	}
	headers, err := c.baseHeaders(ctx)
	if err != nil {
		return nil, Outcome{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.ResultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("new result request: %w", err)
	}
	req.Header = headers

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Outcome{Duration: c.clock.Now().Sub(start)}, lens.WithKind(kindFor(err), fmt.Errorf("fetch translation: %w", err))
	}
	defer c.closeBody(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	out := Outcome{
		StatusCode: resp.StatusCode,
		Duration:   c.clock.Now().Sub(start),
		Bytes:      int64(len(raw)),
	}
	metrics.ObserveUpstreamRequest("result", resp.StatusCode)
	if err != nil {
		return nil, out, lens.WithKind(lens.KindUpstream, fmt.Errorf("read translation body: %w", err))
	}
	dbg.AddStep("fetched translation JSON")

	body := strings.TrimLeft(string(raw), ")]}'")
	var info map[string]any
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		dbg.AddError("JSON parse failure: %v; raw_body snippet: %.200s", err, body)
		return nil, out, lens.WithKind(lens.KindUpstream, fmt.Errorf("decode translation JSON: %w", err))
	}
	return info, out, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, c.cfg.Origin)
}

// baseHeaders assembles the cookie, referer, and SAPISIDHASH headers every
// lens request carries.
func (c *Client) baseHeaders(ctx context.Context) (http.Header, error) {
	set, err := c.cookieSrc.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve cookies: %w", err)
	}
	h := http.Header{}
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Cookie", set.Header())
	h.Set("Referer", c.cfg.Origin+"/")
	for k, v := range cookies.AuthHeaders(set, c.cfg.Origin, c.clock.Now()) {
		h.Set(k, v)
	}
	return h, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Debug("failed to close lens response body", zap.Error(err))
	}
}

func imagePartHeader() textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="encoded_image"; filename="file.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	return h
}

// kindFor classifies transport failures so timeouts surface as such rather
// than as generic upstream errors.
func kindFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return lens.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return lens.KindTimeout
	}
	return lens.KindUpstream
}
