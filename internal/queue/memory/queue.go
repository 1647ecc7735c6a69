// Package memory provides the in-process unit queue feeding the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. Units buffered
// before Close remain dequeueable.
type Queue struct {
	ch      chan harvest.FetchUnit
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan harvest.FetchUnit, capacity),
	}
}

// Enqueue pushes a unit into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.FetchUnit) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- unit:
		return nil
	}
}

// Dequeue pops the next unit, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.FetchUnit, error) {
	select {
	case <-ctx.Done():
		return harvest.FetchUnit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case unit, ok := <-q.ch:
		if !ok {
			return harvest.FetchUnit{}, ErrClosed
		}
		return unit, nil
	}
}

// Len reports the number of buffered units.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. It must not race with Enqueue.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
