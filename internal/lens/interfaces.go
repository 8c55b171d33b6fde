package lens

import (
	"context"
	"time"
)

// Translator runs one mode's translation pipeline for a single job. The id
// is the job's public identifier, used for progress reporting.
type Translator interface {
	Mode() Mode
	Translate(ctx context.Context, id string, job Job) (Document, error)
}

// ResultStore persists per-job result envelopes.
type ResultStore interface {
	CreateQueued(ctx context.Context, id string) error
	SetDone(ctx context.Context, id string, doc Document) error
	SetError(ctx context.Context, id string, errText, errKind string) error
	Get(ctx context.Context, id string) (Result, error)
}

// ResultArchive records terminal results for offline analysis.
type ResultArchive interface {
	ArchiveResult(ctx context.Context, mode Mode, res Result) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	ID        string
	Job       Job
	Submitted int64
}

// Queue provides enqueue/dequeue semantics for translation jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	TryEnqueue(item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Notifier delivers terminal results to any realtime client still waiting on
// the job. Delivery is best-effort; the stored result is canonical.
type Notifier interface {
	NotifyResult(id string, payload Document)
	NotifyError(id string, errText, errKind string)
}

// CookieProvider yields the current Google session cookies.
type CookieProvider interface {
	Cookies(ctx context.Context) (CookieSet, error)
}

// BoxExtractor renders a Lens result page in the shared browser session and
// reads the translated text overlay boxes out of its DOM. Geometry is left
// to the caller; the boxes carry raw attribute strings.
type BoxExtractor interface {
	ExtractBoxes(ctx context.Context, pageURL string, cookies CookieSet) ([]DOMBox, error)
}

// ImageFetcher retrieves source image bytes for upload.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (FetchedImage, error)
}

// Hasher computes digests for blob keys and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
