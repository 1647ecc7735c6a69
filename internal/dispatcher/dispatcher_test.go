package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/queue/memory"
)

// drainRunner counts units until its queue closes.
type drainRunner struct {
	queue *memory.Queue
	seen  *atomic.Int64
}

func (r drainRunner) Run(ctx context.Context) {
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil {
			return
		}
		r.seen.Add(1)
	}
}

// TestDispatcherRunReturnsWhenQueueDrains ensures Run waits for every worker.
func TestDispatcherRunReturnsWhenQueueDrains(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	var seen atomic.Int64
	runners := []Runner{drainRunner{q, &seen}, drainRunner{q, &seen}, drainRunner{q, &seen}}
	dispatch := New(q, runners)

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	for i := 1; i <= 10; i++ {
		require.NoError(t, dispatch.Enqueue(context.Background(), harvest.FetchUnit{Index: harvest.UnitIndex{Ordinal: i}}))
	}
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after queue drained")
	}
	assert.EqualValues(t, 10, seen.Load())
}

// TestDispatcherRunStopsOnCancel checks blocked workers return once ctx ends.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	var seen atomic.Int64
	dispatch := New(q, []Runner{drainRunner{q, &seen}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, harvest.FetchUnit) error {
	return q.err
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	dispatch := New(&errorQueue{err: boom}, nil)

	err := dispatch.Enqueue(context.Background(), harvest.FetchUnit{})
	require.ErrorIs(t, err, boom)
	assert.EqualError(t, err, "queue enqueue: boom")
}
