// Package dispatcher manages worker fan-out over the unit queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// Queue is the producer side of the unit queue.
type Queue interface {
	Enqueue(ctx context.Context, unit harvest.FetchUnit) error
}

// Runner is a worker loop that returns once its queue is drained or ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, unit harvest.FetchUnit) error {
	if err := d.queue.Enqueue(ctx, unit); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
