package memory

import (
	"context"
	"sync"
	"time"

	"lenslate/internal/lens"
)

// ResultStore is the canonical in-memory result map with TTL eviction.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]lens.Result
	clock   lens.Clock
}

// NewResultStore constructs a ResultStore using the given clock.
func NewResultStore(clock lens.Clock) *ResultStore {
	return &ResultStore{
		results: make(map[string]lens.Result),
		clock:   clock,
	}
}

// CreateQueued records a freshly accepted job.
func (s *ResultStore) CreateQueued(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = lens.Result{
		ID:        id,
		Status:    lens.StatusQueued,
		CreatedAt: s.clock.Now(),
	}
	return nil
}

// SetDone stores a completed payload for the job.
func (s *ResultStore) SetDone(_ context.Context, id string, doc lens.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = lens.Result{
		ID:        id,
		Status:    lens.StatusDone,
		Payload:   doc,
		CreatedAt: s.clock.Now(),
	}
	return nil
}

// SetError stores a failure for the job.
func (s *ResultStore) SetError(_ context.Context, id string, errText, errKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = lens.Result{
		ID:        id,
		Status:    lens.StatusError,
		Payload:   errText,
		ErrorType: errKind,
		CreatedAt: s.clock.Now(),
	}
	return nil
}

// Get fetches a result by job ID.
func (s *ResultStore) Get(_ context.Context, id string) (lens.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[id]
	if !ok {
		return lens.Result{}, lens.ErrUnknownJob
	}
	return res, nil
}

// EvictExpired drops results older than ttl and reports how many went.
func (s *ResultStore) EvictExpired(ttl time.Duration) int {
	cutoff := s.clock.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, res := range s.results {
		if res.CreatedAt.Before(cutoff) {
			delete(s.results, id)
			evicted++
		}
	}
	return evicted
}

// Len reports how many results are currently held.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Janitor sweeps expired results until the context ends.
func (s *ResultStore) Janitor(ctx context.Context, ttl, interval time.Duration, onEvict func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictExpired(ttl); n > 0 && onEvict != nil {
				onEvict(n)
			}
		}
	}
}
