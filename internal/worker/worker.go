// Package worker implements the translation job execution loop.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/logging"
	"lenslate/internal/metrics"
	"lenslate/internal/policy/image"
	"lenslate/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single translation. Zero means no bound beyond the
	// per-step timeouts inside the pipeline.
	JobTimeout time.Duration
	// JobDelay inserts a pause after each job, throttling upstream pressure.
	JobDelay time.Duration
	// BlobPrefix namespaces offloaded result images in blob storage.
	BlobPrefix string
	// Topic receives completion events when a publisher is wired.
	Topic string
}

// Worker consumes queue items and runs them through one mode's translator.
type Worker struct {
	queue      lens.Queue
	translator lens.Translator
	results    lens.ResultStore
	archive    lens.ResultArchive
	blobs      lens.BlobStore
	publisher  lens.Publisher
	notifier   lens.Notifier
	hasher     lens.Hasher
	clock      lens.Clock
	imgPolicy  image.Policy
	emitter    progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. archive, blobs, publisher, notifier and emitter
// may be nil; the corresponding side effects are skipped.
func New(
	queue lens.Queue,
	translator lens.Translator,
	results lens.ResultStore,
	archive lens.ResultArchive,
	blobs lens.BlobStore,
	publisher lens.Publisher,
	notifier lens.Notifier,
	hasher lens.Hasher,
	clock lens.Clock,
	imgPolicy image.Policy,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		queue:      queue,
		translator: translator,
		results:    results,
		archive:    archive,
		blobs:      blobs,
		publisher:  publisher,
		notifier:   notifier,
		hasher:     hasher,
		clock:      clock,
		imgPolicy:  imgPolicy,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	mode := string(w.translator.Mode())
	metrics.IncActiveWorkers(mode)
	defer metrics.DecActiveWorkers(mode)

	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.ID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item lens.QueueItem) {
	defer w.delay(ctx)

	start := w.clock.Now()
	job := item.Job
	log := logging.WithJob(w.logger, item.ID, job.Mode)
	job.Metadata.AppendStage(lens.StageWorkerStart, start)
	w.emit(progress.Event{
		JobID: item.ID,
		TS:    start,
		Stage: progress.StageWorkerStart,
		Mode:  job.Mode,
	})
	log.Info("worker start", zap.String("src", job.Src))

	doc, err := w.translate(ctx, item.ID, job)
	if err != nil {
		w.failJob(ctx, item.ID, job, start, err)
		return
	}

	w.applyImagePolicy(ctx, log, item.ID, &job, doc)
	job.Metadata.AppendStage(lens.StageTranslated, w.clock.Now())
	doc[lens.DocKeyMetadata] = job.Metadata

	if w.notifier != nil {
		w.notifier.NotifyResult(item.ID, doc)
	}
	if err := w.results.SetDone(ctx, item.ID, doc); err != nil {
		log.Error("store result failed", zap.Error(err))
	}

	dur := w.clock.Now().Sub(start)
	w.archiveResult(ctx, job, lens.Result{
		ID:        item.ID,
		Status:    lens.StatusDone,
		Payload:   doc,
		CreatedAt: w.clock.Now(),
	})
	w.publishCompletion(ctx, item.ID, job, lens.StatusDone, dur)
	metrics.ObserveJobCompleted(job.Mode, string(lens.StatusDone), dur)
	w.emit(progress.Event{
		JobID: item.ID,
		TS:    w.clock.Now(),
		Stage: progress.StageJobDone,
		Mode:  job.Mode,
		Dur:   dur,
	})
	log.Info("worker done")
}

func (w *Worker) translate(ctx context.Context, id string, job lens.Job) (lens.Document, error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	return w.translator.Translate(ctx, id, job)
}

func (w *Worker) failJob(ctx context.Context, id string, job lens.Job, start time.Time, jobErr error) {
	errText := jobErr.Error()
	if errText == "" {
		errText = fmt.Sprintf("%T", jobErr)
	}
	kind := lens.ErrorKind(jobErr)
	log := logging.WithJob(w.logger, id, job.Mode)
	log.Error("worker error", zap.String("error_kind", kind), zap.Error(jobErr))

	if w.notifier != nil {
		w.notifier.NotifyError(id, errText, kind)
	}
	if err := w.results.SetError(ctx, id, errText, kind); err != nil {
		log.Error("store error result failed", zap.Error(err))
	}

	dur := w.clock.Now().Sub(start)
	w.archiveResult(ctx, job, lens.Result{
		ID:        id,
		Status:    lens.StatusError,
		Payload:   errText,
		ErrorType: kind,
		CreatedAt: w.clock.Now(),
	})
	w.publishCompletion(ctx, id, job, lens.StatusError, dur)
	metrics.ObserveJobCompleted(job.Mode, string(lens.StatusError), dur)
	w.emit(progress.Event{
		JobID: id,
		TS:    w.clock.Now(),
		Stage: progress.StageJobError,
		Mode:  job.Mode,
		Dur:   dur,
		Note:  errText,
	})
}

// applyImagePolicy enforces the inline image size cap: oversized images are
// offloaded to blob storage when one is wired, otherwise dropped and flagged
// on the job metadata.
func (w *Worker) applyImagePolicy(ctx context.Context, log *zap.Logger, id string, job *lens.Job, doc lens.Document) {
	img, _ := doc[lens.DocKeyImage].(string)
	if img == "" {
		return
	}

	action := w.imgPolicy.Decide(len(img))
	if action == image.Offload {
		uri, err := w.offloadImage(ctx, id, img)
		if err == nil {
			delete(doc, lens.DocKeyImage)
			doc[lens.DocKeyBlobURI] = uri
			log.Info("result image offloaded",
				zap.String("blob_uri", uri),
				zap.Int("size", len(img)),
			)
			return
		}
		log.Warn("image offload failed, dropping instead", zap.Error(err))
		action = image.Drop
	}
	if action == image.Drop {
		delete(doc, lens.DocKeyImage)
		job.Metadata.MarkImageDropped(lens.Mode(job.Mode))
		metrics.ObserveImageDropped()
		log.Warn("result image dropped for size", zap.Int("size", len(img)))
	}
}

func (w *Worker) offloadImage(ctx context.Context, id, dataURL string) (string, error) {
	if w.blobs == nil {
		return "", fmt.Errorf("no blob store configured")
	}
	contentType, raw, err := decodeDataURL(dataURL)
	if err != nil {
		return "", err
	}
	hash, err := w.hasher.Hash(raw)
	if err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	uri, err := w.blobs.PutObject(ctx, w.buildBlobPath(id, hash, contentType), contentType, raw)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) buildBlobPath(jobID, hash, contentType string) string {
	ext := "bin"
	if sub, ok := strings.CutPrefix(contentType, "image/"); ok && sub != "" {
		ext = sub
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", jobID, hash, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, jobID, hash, ext)
}

// decodeDataURL splits a data URL into its content type and decoded bytes.
func decodeDataURL(dataURL string) (string, []byte, error) {
	head, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	contentType := strings.TrimPrefix(head, "data:")
	if ct, _, found := strings.Cut(contentType, ";"); found {
		contentType = ct
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return contentType, raw, nil
}

func (w *Worker) archiveResult(ctx context.Context, job lens.Job, res lens.Result) {
	if w.archive == nil {
		return
	}
	if err := w.archive.ArchiveResult(ctx, lens.Mode(job.Mode), res); err != nil {
		w.logger.Warn("archive result failed", zap.String("job_id", res.ID), zap.Error(err))
	}
}

func (w *Worker) publishCompletion(ctx context.Context, id string, job lens.Job, status lens.Status, dur time.Duration) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	evt := lens.CompletionEvent{
		ID:         id,
		Mode:       lens.Mode(job.Mode),
		Status:     status,
		DurationMs: dur.Milliseconds(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, evt); err != nil {
		w.logger.Warn("completion publish failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(evt)
}

func (w *Worker) delay(ctx context.Context) {
	if w.cfg.JobDelay <= 0 {
		return
	}
	select {
	case <-time.After(w.cfg.JobDelay):
	case <-ctx.Done():
	}
}
