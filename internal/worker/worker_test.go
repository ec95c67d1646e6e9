package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flare576/ei/internal/queue"
	"github.com/flare576/ei/internal/storage"
)

type recordingDispatcher struct {
	calls   int32
	block   chan struct{}
	failAll bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, item queue.Item) error {
	atomic.AddInt32(&d.calls, 1)
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.failAll {
		return errors.New("dispatch failed")
	}
	return nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	q, err := queue.New(context.Background(), store, nil, false)
	require.NoError(t, err)
	return q
}

func TestWorkerDrainsQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityNormal, nil)
	require.NoError(t, err)

	disp := &recordingDispatcher{}
	w := New(q, disp, nil)
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&disp.calls))
}

func TestWorkerPauseStopsDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	disp := &recordingDispatcher{}
	w := New(q, disp, nil)
	w.Pause()
	w.Start(ctx)

	_, err := q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityNormal, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&disp.calls))
	require.Equal(t, 1, q.Len())

	w.Resume()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestWorkerPausePreemptsInFlightFastScan(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	block := make(chan struct{})
	disp := &recordingDispatcher{block: block}
	w := New(q, disp, nil)
	w.Start(ctx)
	defer w.Stop()

	_, err := q.Enqueue(ctx, queue.TypeFastScan, queue.PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&disp.calls) == 1 }, time.Second, 5*time.Millisecond)
	w.Pause()

	// Preempted fast_scan is dropped without incrementing attempts, so the
	// queue empties rather than retaining a failed item.
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorkerFailedDispatchRetainsItemForRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	disp := &recordingDispatcher{failAll: true}
	w := New(q, disp, nil)
	w.Start(ctx)
	defer w.Stop()

	item, err := q.Enqueue(ctx, queue.TypeDetailUpdate, queue.PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&disp.calls) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// Still present (attempts incremented, not dead-lettered after one
	// failure) since MaxAttempts is 3.
	require.Equal(t, 1, q.Len())
	require.Eventually(t, func() bool {
		next, ok := q.Dequeue()
		return ok && next.ID == item.ID && next.Attempts >= 1
	}, time.Second, 5*time.Millisecond)
}
