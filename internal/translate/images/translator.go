// Package images implements the lens_images pipeline: fetch the source
// image, push it through the lens upload, and assemble the translated
// result document from the returned JSON.
package images

import (
	"context"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
	"time"

	"lenslate/internal/lens"
	"lenslate/internal/lensapi"
	"lenslate/internal/progress"
)

// embeddedImageRe finds a data URL inside decoded result HTML.
var embeddedImageRe = regexp.MustCompile(`data:image/[a-zA-Z]+;base64,[A-Za-z0-9+/=]+`)

// wireAPI is the slice of the lens client this pipeline needs.
type wireAPI interface {
	Upload(ctx context.Context, image []byte, dbg *lens.Debug) (string, lensapi.Outcome, error)
	JSONURL(location, lang string) (string, error)
	FetchTranslation(ctx context.Context, jsonURL string, dbg *lens.Debug) (map[string]any, lensapi.Outcome, error)
}

// Config tunes pipeline details.
type Config struct {
	// FallbackTimeout bounds retrieving a result image that the upstream
	// returned as a plain URL instead of embedding it.
	FallbackTimeout time.Duration
}

// Translator is the lens_images pipeline.
type Translator struct {
	cfg     Config
	api     wireAPI
	fetcher lens.ImageFetcher
	clock   lens.Clock
	emitter progress.Emitter
}

// New builds the images translator. emitter may be nil.
func New(cfg Config, api wireAPI, fetcher lens.ImageFetcher, clock lens.Clock, emitter progress.Emitter) *Translator {
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 5 * time.Second
	}
	return &Translator{
		cfg:     cfg,
		api:     api,
		fetcher: fetcher,
		clock:   clock,
		emitter: emitter,
	}
}

// Mode reports the pipeline this translator serves.
func (t *Translator) Mode() lens.Mode {
	return lens.ModeImages
}

// Translate runs the full pipeline for one job. The returned document keeps
// the upstream payload under raw_info and the step trace under debug.
func (t *Translator) Translate(ctx context.Context, id string, job lens.Job) (lens.Document, error) {
	start := t.clock.Now()
	dbg := &lens.Debug{}

	src := strings.TrimSpace(job.Src)
	if src == "" {
		return nil, lens.ErrMissingSrc
	}

	fetched, err := t.fetcher.FetchImage(ctx, src)
	t.emitFetch(id, src, fetched)
	if err != nil {
		dbg.AddError("%s %s", err.Error(), src)
		return nil, err
	}
	dbg.AddStep("fetched original image %s status=%d", src, fetched.StatusCode)

	loc, upOut, err := t.api.Upload(ctx, fetched.Body, dbg)
	t.emitUpload(id, upOut)
	if err != nil {
		return nil, err
	}

	jsonURL, err := t.api.JSONURL(loc, job.Lang)
	if err != nil {
		return nil, err
	}
	dbg.AddStep("constructed json_url: %s", jsonURL)

	info, jsOut, err := t.api.FetchTranslation(ctx, jsonURL, dbg)
	t.emitFetch(id, jsonURL, lens.FetchedImage{
		StatusCode: jsOut.StatusCode,
		Duration:   jsOut.Duration,
		Body:       nil,
	})
	if err != nil {
		return nil, err
	}

	image := t.extractImage(ctx, id, info, dbg)
	text := stringField(info, "translatedTextFull")
	if text == "" {
		text = stringField(info, "translatedText")
	}

	dbg.DurationSec = t.clock.Now().Sub(start).Seconds()

	return lens.Document{
		lens.DocKeyImage:   image,
		lens.DocKeyText:    text,
		lens.DocKeyLoc:     loc,
		lens.DocKeyJSONURL: jsonURL,
		lens.DocKeyRawInfo: info,
		lens.DocKeyDebug:   dbg,
	}, nil
}

// extractImage resolves the result image to a data URL. The upstream may
// embed it directly, bury it inside base64-encoded HTML, or hand back a
// plain URL that has to be fetched and re-encoded. Failures here degrade
// the result, they do not fail the job.
func (t *Translator) extractImage(ctx context.Context, id string, info map[string]any, dbg *lens.Debug) string {
	dataURL := stringField(info, "imageUrl")
	if dataURL == "" {
		return ""
	}
	if strings.HasPrefix(dataURL, "data:image/") {
		dbg.AddStep("imageUrl already data URL")
		return dataURL
	}

	var extracted string
	if decoded, err := base64.StdEncoding.DecodeString(dataURL); err != nil {
		dbg.AddError("error decoding imageUrl: %v", err)
	} else if m := embeddedImageRe.FindString(string(decoded)); m != "" {
		extracted = m
		dbg.AddStep("extracted embedded data:image from base64 HTML")
	} else {
		dbg.AddStep("no embedded data:image found inside decoded HTML")
	}

	if extracted == "" && (strings.HasPrefix(dataURL, "http://") || strings.HasPrefix(dataURL, "https://")) {
		fctx, cancel := context.WithTimeout(ctx, t.cfg.FallbackTimeout)
		defer cancel()
		fallback, err := t.fetcher.FetchImage(fctx, dataURL)
		t.emitFetch(id, dataURL, fallback)
		if err != nil {
			dbg.AddError("fallback fetch of imageUrl failed: %v", err)
		} else {
			extracted = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(fallback.Body)
			dbg.AddStep("fetched fallback image URL and encoded to data URL")
		}
	}
	return extracted
}

func (t *Translator) emitFetch(id, rawURL string, fetched lens.FetchedImage) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(progress.Event{
		JobID:       id,
		TS:          t.clock.Now(),
		Stage:       progress.StageFetchDone,
		Mode:        string(lens.ModeImages),
		Host:        hostOf(rawURL),
		URL:         rawURL,
		Bytes:       int64(len(fetched.Body)),
		StatusClass: progress.ClassifyStatus(fetched.StatusCode),
		Dur:         fetched.Duration,
	})
}

func (t *Translator) emitUpload(id string, out lensapi.Outcome) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(progress.Event{
		JobID:       id,
		TS:          t.clock.Now(),
		Stage:       progress.StageUploadDone,
		Mode:        string(lens.ModeImages),
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Dur:         out.Duration,
	})
}

func stringField(info map[string]any, key string) string {
	s, _ := info[key].(string)
	return s
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "unknown"
}
