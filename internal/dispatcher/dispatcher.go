// Package dispatcher manages per-mode worker fan-out over the job queues.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/queue"
	"lenslate/internal/worker"
)

// depthInterval is how often queue backlogs are pushed to the gauges.
const depthInterval = 5 * time.Second

// Pool binds the workers serving one translation mode.
type Pool struct {
	Mode    lens.Mode
	Workers []*worker.Worker
}

// Dispatcher owns the worker pools. Pools start at most once, either eagerly
// at boot or lazily when the first job arrives.
type Dispatcher struct {
	queues *queue.Set
	pools  []Pool
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(queues *queue.Set, pools []Pool, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queues: queues,
		pools:  pools,
		logger: logger,
	}
}

// Start launches every pool once. Later calls are no-ops, so the API intake
// can call it on each submission while an eager server calls it at boot. The
// context bounds the workers' lifetime and must outlive the request that
// triggered the start.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for _, p := range d.pools {
		for _, wk := range p.Workers {
			d.wg.Add(1)
			go func(wk *worker.Worker) {
				defer d.wg.Done()
				wk.Run(ctx)
			}(wk)
		}
		d.logger.Info("worker pool started",
			zap.String("mode", string(p.Mode)),
			zap.Int("workers", len(p.Workers)),
		)
	}

	if d.queues != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reportDepths(ctx)
		}()
	}
}

// Started reports whether the pools are running.
func (d *Dispatcher) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Run starts the pools and blocks until the context finishes and every
// worker drains.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Start(ctx)
	<-ctx.Done()
	d.wg.Wait()
}

// Wait blocks until all started workers return. Safe to call when the pools
// never started.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit routes the item to the queue owning its mode without blocking. A
// full queue surfaces as lens.ErrQueueFull for the 503 path.
func (d *Dispatcher) Submit(item lens.QueueItem) error {
	q, err := d.queues.ByMode(lens.Mode(item.Job.Mode))
	if err != nil {
		return err
	}
	if err := q.TryEnqueue(item); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.Job.Mode, err)
	}
	return nil
}

func (d *Dispatcher) reportDepths(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for mode, depth := range d.queues.Depths() {
				metrics.SetQueueDepth(string(mode), depth)
			}
		}
	}
}
