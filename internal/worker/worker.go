// Package worker executes queued fetch units: fetch, extract, archive, aggregate.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/fetcher"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/queue/memory"
)

// Queue yields units to fetch. Dequeue returns an error once the queue is drained and
// closed or ctx ends.
type Queue interface {
	Dequeue(ctx context.Context) (harvest.FetchUnit, error)
}

// Slots caps in-flight fetches across all callers. *semaphore.Weighted satisfies it.
type Slots interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// Worker consumes units from a queue.
type Worker struct {
	id       int
	queue    Queue
	fetcher  harvest.Fetcher
	slots    Slots
	pipeline *Pipeline
	clock    harvest.Clock
	logger   *zap.Logger
}

// New creates a Worker. slots may be nil when the pool size alone bounds concurrency.
func New(
	id int,
	queue Queue,
	fetcher harvest.Fetcher,
	slots Slots,
	pipeline *Pipeline,
	clock harvest.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		fetcher:  fetcher,
		slots:    slots,
		pipeline: pipeline,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run processes units until the queue is drained or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		unit, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, memory.ErrClosed) {
				w.logger.Warn("dequeue failed", zap.Error(err))
			}
			return
		}
		w.Process(ctx, unit)
	}
}

// Process handles a single unit. Every unit not skipped yields exactly one outcome.
func (w *Worker) Process(ctx context.Context, unit harvest.FetchUnit) {
	if w.pipeline.Skip(unit) {
		return
	}
	if w.slots != nil {
		if err := w.slots.Acquire(ctx, 1); err != nil {
			w.pipeline.Complete(ctx, harvest.FetchOutcome{Unit: unit, Err: fetcher.Classify(err)}, nil)
			return
		}
	}
	start := w.clock.Now()
	markup, err := w.fetcher.Fetch(ctx, unit.Request)
	if w.slots != nil {
		w.slots.Release(1)
	}

	outcome := harvest.FetchOutcome{Unit: unit, Duration: w.clock.Now().Sub(start)}
	if outcome.Duration < 0 {
		outcome.Duration = 0
	}
	if err != nil {
		outcome.Err = fetcher.Classify(err)
		w.pipeline.Complete(ctx, outcome, nil)
		return
	}
	outcome.Markup = markup
	w.pipeline.Complete(ctx, outcome, w.pipeline.Extract(unit, markup))
}
