package lens

import (
	"context"
	"errors"
)

// Sentinel errors surfaced through the API.
var (
	ErrUnsupportedMode = errors.New("unsupported mode")
	ErrMissingImageID  = errors.New("metadata.image_id is required")
	ErrBlobURL         = errors.New("blob URLs are not supported")
	ErrInvalidSrc      = errors.New("invalid src")
	ErrMissingSrc      = errors.New("src missing")
	ErrUnknownJob      = errors.New("unknown job id")
	ErrQueueFull       = errors.New("queue full")
	ErrNoCookies       = errors.New("no cookies available")
)

// Error kinds stored in the error_type field of failed results.
const (
	KindRuntime    = "runtime_error"
	KindValidation = "validation_error"
	KindFetch      = "fetch_error"
	KindUpstream   = "upstream_error"
	KindBrowser    = "browser_error"
	KindTimeout    = "timeout"
)

// KindError carries a classification alongside the underlying error.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with a classification. A nil err returns nil.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// ErrorKind derives the classification string for a failed job.
func ErrorKind(err error) string {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMissingSrc),
		errors.Is(err, ErrUnsupportedMode),
		errors.Is(err, ErrMissingImageID),
		errors.Is(err, ErrBlobURL),
		errors.Is(err, ErrInvalidSrc):
		return KindValidation
	default:
		return KindRuntime
	}
}
