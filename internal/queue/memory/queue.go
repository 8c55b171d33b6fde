// Package memory provides the bounded in-memory job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lenslate/internal/lens"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan lens.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan lens.QueueItem, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item lens.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes a job without blocking, reporting a full queue so intake
// can turn it into backpressure.
func (q *Queue) TryEnqueue(item lens.QueueItem) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return lens.ErrQueueFull
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (lens.QueueItem, error) {
	select {
	case <-ctx.Done():
		return lens.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return lens.QueueItem{}, errors.New("queue closed")
		}
		return item, nil
	}
}

// Len reports the current backlog.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
