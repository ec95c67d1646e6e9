// Package worker implements the queue worker: a single cooperative
// background loop that drains internal/queue, dispatches items by type,
// and can be paused/aborted by conversational traffic without losing
// progress (abort never advances attempts). One item executes at a time.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/flare576/ei/internal/logging"
	"github.com/flare576/ei/internal/queue"
)

// idleDelay and pausedDelay are the loop's polling increments: 100 ms
// while paused, 1000 ms when the queue is empty. idleDelay also spaces out
// retries after a failed dispatch.
const (
	idleDelay   = 1000 * time.Millisecond
	pausedDelay = 100 * time.Millisecond
)

// Dispatcher executes one dequeued item. Implementations live in the
// package that owns the item type's side effects (extraction, ceremony,
// persona description regen) so worker itself stays dispatch-only.
type Dispatcher interface {
	Dispatch(ctx context.Context, item queue.Item) error
}

// Worker drains q on a single goroutine, one item at a time.
type Worker struct {
	q    *queue.Queue
	disp Dispatcher
	log  logging.Logger

	mu        sync.Mutex
	paused    bool
	running   bool
	cancelRun context.CancelFunc
	stopLoop  context.CancelFunc
	done      chan struct{}
}

// New constructs a Worker bound to q, dispatching dequeued items to disp.
func New(q *queue.Queue, disp Dispatcher, log logging.Logger) *Worker {
	return &Worker{q: q, disp: disp, log: log}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.done = make(chan struct{})
	ctx, w.stopLoop = context.WithCancel(ctx)
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop aborts the in-flight task, if any, and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancelRun
	stopLoop := w.stopLoop
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopLoop != nil {
		stopLoop()
	}
	if done != nil {
		<-done
	}
}

// Pause aborts the currently executing task (if any) and halts dequeuing
// until Resume — conversational traffic takes priority over background
// work.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	cancel := w.cancelRun
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume clears the pause flag so the loop resumes dequeuing.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.isPaused() {
			sleepOrDone(ctx, pausedDelay)
			continue
		}

		item, ok := w.q.Dequeue()
		if !ok {
			sleepOrDone(ctx, idleDelay)
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelRun = cancel
		w.mu.Unlock()

		err := w.disp.Dispatch(runCtx, *item)

		w.mu.Lock()
		w.cancelRun = nil
		w.mu.Unlock()
		cancel()

		if runCtx.Err() != nil {
			// Aborted by Pause/Stop: the item was preempted, not failed, so
			// attempts are not advanced. Fast-scans are dropped; everything
			// else stays queued and runs again when next dequeued.
			if item.Type == queue.TypeFastScan {
				if e := w.q.DropWithoutAttempt(ctx, item.ID); e != nil && w.log != nil {
					w.log.Warn("worker: drop-without-attempt failed", map[string]any{"id": item.ID, "error": e.Error()})
				}
			}
			continue
		}

		if err != nil {
			if e := w.q.Fail(ctx, item.ID, err); e != nil && w.log != nil {
				w.log.Warn("worker: fail bookkeeping failed", map[string]any{"id": item.ID, "error": e.Error()})
			}
			sleepOrDone(ctx, idleDelay)
			continue
		}
		if e := w.q.Complete(ctx, item.ID); e != nil && w.log != nil {
			w.log.Warn("worker: complete bookkeeping failed", map[string]any{"id": item.ID, "error": e.Error()})
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
