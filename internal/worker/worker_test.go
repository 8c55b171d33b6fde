package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/policy/image"
	"lenslate/internal/progress"
)

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []lens.QueueItem{queuedJob("job-success")}}
	results := newFakeResults()
	archive := newFakeArchive()
	blobs := newFakeBlobStore()
	publisher := newFakePublisher()
	notifier := newFakeNotifier()
	emitter := &captureEmitter{}
	translator := &fakeTranslator{doc: lens.Document{
		lens.DocKeyImage: "data:image/png;base64,AAAA",
		lens.DocKeyText:  "hola",
	}}

	w := New(
		queue,
		translator,
		results,
		archive,
		blobs,
		publisher,
		notifier,
		&fakeHasher{hash: "abc123"},
		&fakeClock{now: time.Unix(100, 0)},
		image.Policy{MaxBytes: 5_000_000, OffloadEnabled: true},
		emitter,
		Config{BlobPrefix: "ocr", Topic: "lens-results"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return results.status("job-success") == lens.StatusDone
	}, time.Second, 10*time.Millisecond)

	doc := results.doc("job-success")
	require.Equal(t, "hola", doc[lens.DocKeyText])
	require.Equal(t, "data:image/png;base64,AAAA", doc[lens.DocKeyImage])

	md, ok := doc[lens.DocKeyMetadata].(lens.Metadata)
	require.True(t, ok)
	require.Len(t, md.Pipeline, 2)
	require.Equal(t, lens.StageWorkerStart, md.Pipeline[0].Stage)
	require.Equal(t, lens.StageTranslated, md.Pipeline[1].Stage)

	require.Equal(t, []string{"job-success"}, notifier.resultIDs())
	require.Len(t, publisher.events, 1)
	require.Equal(t, lens.StatusDone, publisher.events[0].Status)
	require.Len(t, archive.results, 1)
	require.Equal(t, lens.StatusDone, archive.results[0].Status)
	require.Equal(t, []progress.Stage{progress.StageWorkerStart, progress.StageJobDone}, emitter.stages())
	cancel()
}

func TestWorker_ProcessJob_ErrorFlow(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []lens.QueueItem{queuedJob("job-fail")}}
	results := newFakeResults()
	notifier := newFakeNotifier()
	publisher := newFakePublisher()
	emitter := &captureEmitter{}
	translator := &fakeTranslator{err: lens.WithKind(lens.KindFetch, errors.New("fetch image HTTP 404"))}

	w := New(
		queue,
		translator,
		results,
		nil,
		nil,
		publisher,
		notifier,
		&fakeHasher{},
		&fakeClock{now: time.Unix(200, 0)},
		image.Policy{},
		emitter,
		Config{Topic: "lens-results"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return results.status("job-fail") == lens.StatusError
	}, time.Second, 10*time.Millisecond)

	errText, kind := results.errInfo("job-fail")
	require.Equal(t, "fetch image HTTP 404", errText)
	require.Equal(t, lens.KindFetch, kind)
	require.Equal(t, []string{"job-fail"}, notifier.errorIDs())
	require.Len(t, publisher.events, 1)
	require.Equal(t, lens.StatusError, publisher.events[0].Status)

	stages := emitter.stages()
	require.Equal(t, []progress.Stage{progress.StageWorkerStart, progress.StageJobError}, stages)
	require.Equal(t, "fetch image HTTP 404", emitter.last().Note)
	cancel()
}

func TestWorker_ProcessJob_OversizeImageDropped(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []lens.QueueItem{queuedJob("job-drop")}}
	results := newFakeResults()
	translator := &fakeTranslator{doc: lens.Document{
		lens.DocKeyImage: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("a very large rendered image")),
		lens.DocKeyText:  "hola",
	}}

	w := New(
		queue,
		translator,
		results,
		nil,
		nil,
		nil,
		nil,
		&fakeHasher{},
		&fakeClock{now: time.Unix(300, 0)},
		image.Policy{MaxBytes: 10},
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return results.status("job-drop") == lens.StatusDone
	}, time.Second, 10*time.Millisecond)

	doc := results.doc("job-drop")
	_, hasImage := doc[lens.DocKeyImage]
	require.False(t, hasImage)

	md := doc[lens.DocKeyMetadata].(lens.Metadata)
	entry, ok := md.Extra[string(lens.ModeImages)].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, entry["dropped_ocr_image_due_to_size"])
	cancel()
}

func TestWorker_ProcessJob_OversizeImageOffloaded(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []lens.QueueItem{queuedJob("job-offload")}}
	results := newFakeResults()
	blobs := newFakeBlobStore()
	translator := &fakeTranslator{doc: lens.Document{
		lens.DocKeyImage: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("a very large rendered image")),
	}}

	w := New(
		queue,
		translator,
		results,
		nil,
		blobs,
		nil,
		nil,
		&fakeHasher{hash: "beadfeed"},
		&fakeClock{now: time.Unix(400, 0)},
		image.Policy{MaxBytes: 10, OffloadEnabled: true},
		nil,
		Config{BlobPrefix: "/ocr/"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return results.status("job-offload") == lens.StatusDone
	}, time.Second, 10*time.Millisecond)

	doc := results.doc("job-offload")
	_, hasImage := doc[lens.DocKeyImage]
	require.False(t, hasImage)
	require.Equal(t, "memory://ocr/job-offload/beadfeed.png", doc[lens.DocKeyBlobURI])
	require.Equal(t, "ocr/job-offload/beadfeed.png", blobs.lastPath)
	require.Equal(t, []byte("a very large rendered image"), blobs.objects[blobs.lastPath])

	// Offloading is not a drop, so the metadata stays unflagged.
	md := doc[lens.DocKeyMetadata].(lens.Metadata)
	require.Nil(t, md.Extra)
	cancel()
}

func TestWorker_ProcessJob_TimeoutClassified(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []lens.QueueItem{queuedJob("job-slow")}}
	results := newFakeResults()
	translator := &fakeTranslator{block: true}

	w := New(
		queue,
		translator,
		results,
		nil,
		nil,
		nil,
		nil,
		&fakeHasher{},
		&fakeClock{now: time.Unix(500, 0)},
		image.Policy{},
		nil,
		Config{JobTimeout: 30 * time.Millisecond},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return results.status("job-slow") == lens.StatusError
	}, time.Second, 10*time.Millisecond)

	_, kind := results.errInfo("job-slow")
	require.Equal(t, lens.KindTimeout, kind)
	cancel()
}

func queuedJob(id string) lens.QueueItem {
	return lens.QueueItem{
		ID: id,
		Job: lens.Job{
			Mode:     string(lens.ModeImages),
			Lang:     "en",
			Src:      "https://cdn.example.com/menu.jpg",
			Metadata: lens.Metadata{ImageID: "img-1"},
		},
	}
}

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	items []lens.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item lens.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) TryEnqueue(item lens.QueueItem) error {
	return q.Enqueue(context.Background(), item)
}

func (q *fakeQueue) Dequeue(ctx context.Context) (lens.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return lens.QueueItem{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type fakeTranslator struct {
	doc   lens.Document
	err   error
	block bool
}

func (f *fakeTranslator) Mode() lens.Mode {
	return lens.ModeImages
}

func (f *fakeTranslator) Translate(ctx context.Context, _ string, _ lens.Job) (lens.Document, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	doc := lens.Document{}
	for k, v := range f.doc {
		doc[k] = v
	}
	return doc, nil
}

type storedResult struct {
	status  lens.Status
	doc     lens.Document
	errText string
	errKind string
}

type fakeResults struct {
	mu      sync.Mutex
	entries map[string]storedResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{entries: make(map[string]storedResult)}
}

func (f *fakeResults) CreateQueued(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = storedResult{status: lens.StatusQueued}
	return nil
}

func (f *fakeResults) SetDone(_ context.Context, id string, doc lens.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = storedResult{status: lens.StatusDone, doc: doc}
	return nil
}

func (f *fakeResults) SetError(_ context.Context, id, errText, errKind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = storedResult{status: lens.StatusError, errText: errText, errKind: errKind}
	return nil
}

func (f *fakeResults) Get(_ context.Context, id string) (lens.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return lens.Result{}, lens.ErrUnknownJob
	}
	return lens.Result{ID: id, Status: entry.status}, nil
}

func (f *fakeResults) status(id string) lens.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id].status
}

func (f *fakeResults) doc(id string) lens.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id].doc
}

func (f *fakeResults) errInfo(id string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[id].errText, f.entries[id].errKind
}

type fakeArchive struct {
	mu      sync.Mutex
	results []lens.Result
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{}
}

func (f *fakeArchive) ArchiveResult(_ context.Context, _ lens.Mode, res lens.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []lens.CompletionEvent
	err    error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if evt, ok := payload.(lens.CompletionEvent); ok {
		p.events = append(p.events, evt)
	}
	return "msgid", nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	result []string
	errs   []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{}
}

func (n *fakeNotifier) NotifyResult(id string, _ lens.Document) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.result = append(n.result, id)
}

func (n *fakeNotifier) NotifyError(id, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, id)
}

func (n *fakeNotifier) resultIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.result...)
}

func (n *fakeNotifier) errorIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errs...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Stage)
	}
	return out
}

func (c *captureEmitter) last() progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return progress.Event{}
	}
	return c.events[len(c.events)-1]
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(5 * time.Millisecond)
	return c.now
}
