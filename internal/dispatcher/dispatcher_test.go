package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(queue, []Runner{&queueRunner{queue: queue}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherSharesQueueAcrossWorkers checks that items are drained by the pool.
func TestDispatcherSharesQueueAcrossWorkers(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	var handled atomic.Int64
	runners := []Runner{
		&queueRunner{queue: queue, handled: &handled},
		&queueRunner{queue: queue, handled: &handled},
	}
	dispatch := New(queue, runners)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)

	for i := range 5 {
		require.NoError(t, dispatch.Enqueue(ctx, bylaw.QueueItem{JobID: fmt.Sprintf("job-%d", i)}))
	}
	require.Eventually(t, func() bool { return handled.Load() == 5 }, time.Second, 5*time.Millisecond)
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), bylaw.QueueItem{JobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")
}

type queueRunner struct {
	queue   bylaw.Queue
	handled *atomic.Int64
}

func (r *queueRunner) Run(ctx context.Context) {
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if r.handled != nil {
			r.handled.Add(1)
		}
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ bylaw.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (bylaw.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return bylaw.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, bylaw.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (bylaw.QueueItem, error) {
	return bylaw.QueueItem{}, nil
}
