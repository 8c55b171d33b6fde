package lens

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode selects which translation pipeline handles a job.
type Mode string

// Supported pipeline modes.
const (
	ModeImages Mode = "lens_images"
	ModeText   Mode = "lens_text"
)

// ParseMode validates a client-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeImages, ModeText:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMode, s)
	}
}

// Status represents the lifecycle state of a stored result.
type Status string

// Result status values served by the poll endpoint.
const (
	StatusQueued Status = "queued"
	StatusDone   Status = "done"
	StatusError  Status = "error"
)

// Pipeline stage names appended by the service as a job moves through it.
const (
	StageReceivedREST = "received_rest"
	StageReceivedWS   = "received_ws"
	StageWorkerStart  = "worker_start"
	StageTranslated   = "translated"
)

// PipelineEvent is one append-only trace entry on job metadata.
type PipelineEvent struct {
	Stage  string    `json:"stage"`
	At     time.Time `json:"at"`
	Target string    `json:"target,omitempty"`
}

// Position records where the source image sat on the originating page.
type Position struct {
	Top            float64 `json:"top"`
	Left           float64 `json:"left"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	ViewportWidth  int     `json:"viewport_width"`
	ViewportHeight int     `json:"viewport_height"`
	ScrollX        float64 `json:"scroll_x"`
	ScrollY        float64 `json:"scroll_y"`
}

// PageContext identifies the page a job was captured from.
type PageContext struct {
	PageURL   string     `json:"page_url,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Metadata carries client-supplied context threaded through the pipeline and
// echoed back inside the result payload.
type Metadata struct {
	ImageID          string          `json:"image_id"`
	OriginalImageURL string          `json:"original_image_url,omitempty"`
	Position         *Position       `json:"position,omitempty"`
	Pipeline         []PipelineEvent `json:"pipeline"`
	OCRImage         string          `json:"ocr_image,omitempty"`
	Extra            map[string]any  `json:"extra,omitempty"`
}

// AppendStage records a pipeline event on the metadata.
func (m *Metadata) AppendStage(stage string, at time.Time) {
	m.Pipeline = append(m.Pipeline, PipelineEvent{Stage: stage, At: at})
}

// MarkImageDropped flags that the rendered OCR image was discarded because it
// exceeded the configured size limit.
func (m *Metadata) MarkImageDropped(mode Mode) {
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	entry, _ := m.Extra[string(mode)].(map[string]any)
	if entry == nil {
		entry = map[string]any{}
	}
	entry["dropped_ocr_image_due_to_size"] = true
	m.Extra[string(mode)] = entry
}

// Job is a translation request as submitted over REST or WebSocket.
type Job struct {
	Mode     string       `json:"mode"`
	Lang     string       `json:"lang,omitempty"`
	Type     string       `json:"type,omitempty"`
	Src      string       `json:"src,omitempty"`
	Menu     string       `json:"menu,omitempty"`
	Context  *PageContext `json:"context,omitempty"`
	Metadata Metadata     `json:"metadata"`
}

// Normalize fills defaults and validates client-supplied fields. blob: URLs
// cannot be fetched server-side, so they are rejected outright.
func (j *Job) Normalize() error {
	if j.Mode == "" {
		j.Mode = string(ModeImages)
	}
	if j.Lang == "" {
		j.Lang = "en"
	}
	if j.Type == "" {
		j.Type = "image"
	}
	if strings.TrimSpace(j.Metadata.ImageID) == "" {
		return ErrMissingImageID
	}
	if strings.HasPrefix(j.Src, "blob:") {
		return fmt.Errorf("%w: src must be http(s)", ErrBlobURL)
	}
	if j.Src != "" && !strings.HasPrefix(j.Src, "http://") && !strings.HasPrefix(j.Src, "https://") && !strings.HasPrefix(j.Src, "data:") {
		return fmt.Errorf("%w: src must be an http(s) or data URL", ErrInvalidSrc)
	}
	if strings.HasPrefix(j.Metadata.OriginalImageURL, "blob:") {
		return fmt.Errorf("%w: original_image_url must be http(s)", ErrBlobURL)
	}
	return nil
}

// Document is a mode-specific result payload. Translators produce it and the
// worker annotates it with job metadata before storing.
type Document map[string]any

// Well-known document keys shared between the translators, the worker, and
// the export endpoint.
const (
	DocKeyImage          = "image"
	DocKeyText           = "text"
	DocKeyLoc            = "loc"
	DocKeyJSONURL        = "json_url"
	DocKeyRawInfo        = "raw_info"
	DocKeyDebug          = "debug"
	DocKeyMetadata       = "metadata"
	DocKeyAnnotations    = "textAnnotations"
	DocKeyRawAnnotations = "rawTextAnnotations"
	DocKeyFullAnnotation = "fullTextAnnotation"
	DocKeyBlobURI        = "image_blob_uri"
)

// DOMBox is one translated-overlay element as read out of the rendered
// result page, before any geometry is computed from its style.
type DOMBox struct {
	Text      string
	Style     string
	LineIndex string
}

// Vertex is one corner of an annotation bounding polygon, in image pixels.
type Vertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BoundingPoly is the four-corner outline of a recognized text block.
type BoundingPoly struct {
	Vertices []Vertex `json:"vertices"`
}

// Annotation is one recognized text line, or a merged block of lines, with
// its on-image geometry. Raw annotations keep the source style strings for
// debugging; merged ones do not.
type Annotation struct {
	Description  string       `json:"description"`
	BoundingPoly BoundingPoly `json:"boundingPoly"`
	Rotate       float64      `json:"rotate"`
	Style        string       `json:"style"`
	RawStyle     string       `json:"raw_style,omitempty"`
	TopStr       string       `json:"top_str,omitempty"`
	LeftStr      string       `json:"left_str,omitempty"`
	WidthStr     string       `json:"width_str,omitempty"`
	HeightStr    string       `json:"height_str,omitempty"`
}

// Bounds returns the axis-aligned envelope of the annotation's vertices.
func (a Annotation) Bounds() (left, right, top, bottom int) {
	if len(a.BoundingPoly.Vertices) == 0 {
		return 0, 0, 0, 0
	}
	v := a.BoundingPoly.Vertices[0]
	left, right, top, bottom = v.X, v.X, v.Y, v.Y
	for _, p := range a.BoundingPoly.Vertices[1:] {
		if p.X < left {
			left = p.X
		}
		if p.X > right {
			right = p.X
		}
		if p.Y < top {
			top = p.Y
		}
		if p.Y > bottom {
			bottom = p.Y
		}
	}
	return left, right, top, bottom
}

// FullAnnotation is the flattened text of all raw annotations.
type FullAnnotation struct {
	Text string `json:"text"`
}

// Debug accumulates per-step trace output for the images pipeline.
type Debug struct {
	Steps       []string `json:"steps"`
	Errors      []string `json:"errors"`
	DurationSec float64  `json:"duration_sec"`
}

// AddStep records a successful pipeline step. Safe on a nil receiver so
// pipelines without a trace can share the same call sites.
func (d *Debug) AddStep(format string, args ...any) {
	if d == nil {
		return
	}
	d.Steps = append(d.Steps, fmt.Sprintf(format, args...))
}

// AddError records a non-fatal (or fatal) pipeline error.
func (d *Debug) AddError(format string, args ...any) {
	if d == nil {
		return
	}
	d.Errors = append(d.Errors, fmt.Sprintf(format, args...))
}

// FetchedImage is the outcome of retrieving a source image.
type FetchedImage struct {
	Body       []byte
	StatusCode int
	Duration   time.Duration
}

// Result is the stored state of a job as served by the poll endpoint. The
// creation timestamp drives TTL eviction and is never serialized.
type Result struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Payload   any       `json:"result,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// CompletionEvent is published when a job reaches a terminal state.
type CompletionEvent struct {
	ID         string `json:"id"`
	Mode       Mode   `json:"mode"`
	Status     Status `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// CookieSet is a named set of Google session cookies plus its provenance,
// which determines how long it may be cached.
type CookieSet struct {
	Values map[string]string
	Source CookieSource
}

// CookieSource tags where a cookie set came from.
type CookieSource string

// Cookie provenance values.
const (
	CookieSourceRemote  CookieSource = "remote"
	CookieSourceBrowser CookieSource = "browser"
)

// Header renders the set as a Cookie request header value, names sorted for
// a stable representation.
func (c CookieSet) Header() string {
	names := make([]string, 0, len(c.Values))
	for name := range c.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+c.Values[name])
	}
	return strings.Join(parts, "; ")
}

// SAPISID returns the cookie value used for SAPISIDHASH authorization,
// preferring the __Secure-3PAPISID variant.
func (c CookieSet) SAPISID() (string, bool) {
	if v, ok := c.Values["__Secure-3PAPISID"]; ok && v != "" {
		return v, true
	}
	if v, ok := c.Values["SAPISID"]; ok && v != "" {
		return v, true
	}
	return "", false
}
