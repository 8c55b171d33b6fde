// Package text implements the lens_text pipeline: resolve the source image,
// upload it, render the redirect target in the shared browser session, and
// turn the translated overlay DOM into OCR-style text annotations.
package text

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"lenslate/internal/lens"
	"lenslate/internal/lensapi"
	"lenslate/internal/progress"
)

// uploader is the slice of the lens client this pipeline needs.
type uploader interface {
	Upload(ctx context.Context, image []byte, dbg *lens.Debug) (string, lensapi.Outcome, error)
}

// Config tunes the block-merge thresholds.
type Config struct {
	MergeX int
	MergeY int
}

// Translator is the lens_text pipeline.
type Translator struct {
	cfg       Config
	api       uploader
	fetcher   lens.ImageFetcher
	cookieSrc lens.CookieProvider
	extractor lens.BoxExtractor
	clock     lens.Clock
	emitter   progress.Emitter
}

// New builds the text translator. emitter may be nil.
func New(cfg Config, api uploader, fetcher lens.ImageFetcher, cookieSrc lens.CookieProvider, extractor lens.BoxExtractor, clock lens.Clock, emitter progress.Emitter) *Translator {
	if cfg.MergeX <= 0 {
		cfg.MergeX = defaultMergeX
	}
	if cfg.MergeY <= 0 {
		cfg.MergeY = defaultMergeY
	}
	return &Translator{
		cfg:       cfg,
		api:       api,
		fetcher:   fetcher,
		cookieSrc: cookieSrc,
		extractor: extractor,
		clock:     clock,
		emitter:   emitter,
	}
}

// Mode reports the pipeline this translator serves.
func (t *Translator) Mode() lens.Mode {
	return lens.ModeText
}

// Translate runs the full pipeline for one job. The document carries both
// the merged blocks under textAnnotations and the per-line boxes under
// rawTextAnnotations.
func (t *Translator) Translate(ctx context.Context, id string, job lens.Job) (lens.Document, error) {
	src := strings.TrimSpace(job.Src)
	if src == "" {
		return nil, lens.ErrMissingSrc
	}

	imgBytes, err := t.sourceBytes(ctx, id, src)
	if err != nil {
		return nil, err
	}
	w, h, err := imageSize(imgBytes)
	if err != nil {
		return nil, err
	}

	loc, upOut, err := t.api.Upload(ctx, imgBytes, nil)
	t.emitUpload(id, upOut)
	if err != nil {
		return nil, err
	}

	cookies, err := t.cookieSrc.Cookies(ctx)
	if err != nil {
		return nil, err
	}

	boxes, err := t.extractor.ExtractBoxes(ctx, loc, cookies)
	if err != nil {
		return nil, err
	}

	raw := buildAnnotations(boxes, w, h)
	merged := mergeByCenterLine(raw, t.cfg.MergeX, t.cfg.MergeY)

	return lens.Document{
		lens.DocKeyAnnotations:    merged,
		lens.DocKeyRawAnnotations: raw,
		lens.DocKeyFullAnnotation: lens.FullAnnotation{Text: fullText(raw)},
		lens.DocKeyLoc:            loc,
	}, nil
}

// sourceBytes resolves the job src to raw image bytes. data URLs decode
// inline, everything else is fetched.
func (t *Translator) sourceBytes(ctx context.Context, id, src string) ([]byte, error) {
	if strings.HasPrefix(src, "data:") {
		_, payload, ok := strings.Cut(src, ",")
		if !ok {
			return nil, lens.WithKind(lens.KindValidation, errors.New("malformed data URL"))
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, lens.WithKind(lens.KindValidation, fmt.Errorf("decode data URL: %w", err))
		}
		return raw, nil
	}

	fetched, err := t.fetcher.FetchImage(ctx, src)
	t.emitFetch(id, src, fetched)
	if err != nil {
		return nil, err
	}
	return fetched.Body, nil
}

// imageSize reads the pixel dimensions out of the encoded image header. The
// overlay styles resolve percentages against these.
func imageSize(data []byte) (w, h int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, lens.WithKind(lens.KindValidation, fmt.Errorf("read image dimensions: %w", err))
	}
	return cfg.Width, cfg.Height, nil
}

func (t *Translator) emitFetch(id, rawURL string, fetched lens.FetchedImage) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(progress.Event{
		JobID:       id,
		TS:          t.clock.Now(),
		Stage:       progress.StageFetchDone,
		Mode:        string(lens.ModeText),
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
		Mode:        string(lens.ModeText),
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Dur:         out.Duration,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
