package browser

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"lenslate/internal/lens"
)

// overlayXPath matches the translated-text overlay elements on a rendered
// result page.
const overlayXPath = `//div[contains(@class, 'lv6PAb') and @aria-label]`

// overlaySelector is the element whose visibility signals the overlay has
// rendered.
const overlaySelector = "div.lv6PAb"

// GrabCookies navigates to the lens origin in a lent tab and harvests the
// google.com session cookies. It implements the fallback used when no
// remote cookie source is configured or the source is down.
func (b *Browser) GrabCookies(ctx context.Context) (map[string]string, error) {
	var raw []*network.Cookie
	err := b.withTab(ctx,
		b.setupAction(),
		chromedp.Navigate(b.cfg.CookieURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			raw, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, lens.WithKind(lens.KindBrowser, err)
	}
	return filterGoogleCookies(raw), nil
}

// ExtractBoxes renders the result page with the given session cookies and
// returns the raw overlay boxes. Geometry stays with the caller.
func (b *Browser) ExtractBoxes(ctx context.Context, pageURL string, cookies lens.CookieSet) ([]lens.DOMBox, error) {
	var nodes []*cdp.Node
	err := b.withTab(ctx,
		b.setupAction(),
		b.setCookiesAction(cookies),
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(overlaySelector, chromedp.ByQuery),
		chromedp.Nodes(overlayXPath, &nodes, chromedp.BySearch, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, lens.WithKind(lens.KindBrowser, err)
	}

	boxes := make([]lens.DOMBox, 0, len(nodes))
	for _, n := range nodes {
		boxes = append(boxes, lens.DOMBox{
			Text:      n.AttributeValue("aria-label"),
			Style:     n.AttributeValue("style"),
			LineIndex: n.AttributeValue("data-line-index"),
		})
	}
	return boxes, nil
}

// setupAction applies the user-agent override for the tab.
func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.cfg.UserAgent == "" {
			return nil
		}
		return emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx)
	})
}

// setCookiesAction plants the session cookies on .google.com before
// navigation. Individual rejects are logged and skipped so one odd cookie
// cannot sink the whole extraction.
func (b *Browser) setCookiesAction(set lens.CookieSet) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for name, value := range set.Values {
			err := network.SetCookie(name, value).
				WithDomain(".google.com").
				WithPath("/").
				WithSecure(true).
				Do(ctx)
			if err != nil {
				b.logger.Debug("failed to set cookie", zap.String("name", name), zap.Error(err))
			}
		}
		return nil
	})
}

// filterGoogleCookies keeps cookies scoped to google.com or a subdomain.
func filterGoogleCookies(raw []*network.Cookie) map[string]string {
	out := make(map[string]string, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "google.com" || strings.HasSuffix(domain, ".google.com") {
			out[c.Name] = c.Value
		}
	}
	return out
}
