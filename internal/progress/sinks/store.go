package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lenslate/internal/progress"
	"lenslate/internal/store"
)

// StoreSink persists progress deltas via a store.RunRepository. It batches
// host-level counters to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses host deltas and forwards them to the repository. It
// respects ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobReceived, progress.StageJobDone, progress.StageJobError:
			if err := s.handleJobEvent(ctx, evt); err != nil {
				return err
			}
		case progress.StageFetchDone, progress.StageUploadDone:
			recordHostStats(stats, evt)
		}
	}

	for key, delta := range stats {
		if delta.requests == 0 && delta.bytes == 0 {
			continue
		}
		if err := s.repo.UpsertHostStats(
			ctx,
			key.jobID,
			key.host,
			delta.requests,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleJobEvent(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageJobReceived:
		if err := s.repo.UpsertJobStart(ctx, evt.JobID, evt.Mode, evt.TS); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
	case progress.StageJobDone:
		if err := s.repo.CompleteJob(ctx, evt.JobID, evt.TS, store.RunDone, nil); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	case progress.StageJobError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteJob(ctx, evt.JobID, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	}
	return nil
}

func recordHostStats(stats map[statsKey]*statsDelta, evt progress.Event) {
	host := evt.Host
	if host == "" {
		return
	}
	key := statsKey{
		jobID:       evt.JobID,
		host:        host,
		statusClass: string(evt.StatusClass),
	}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.requests++
	stat.bytes += evt.Bytes
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	jobID       string
	host        string
	statusClass string
}

type statsDelta struct {
	requests int64
	bytes    int64
	at       time.Time
}
