package sentinel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// executor runs the background work of a single session: the pinning
// monitor and any delayed recovery tasks. Shutting it down cancels every
// task it owns, so nothing it scheduled outlives the session.
type executor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newExecutor(parent context.Context) *executor {
	ctx, cancel := context.WithCancel(parent)
	return &executor{ctx: ctx, cancel: cancel}
}

// Go runs fn on its own goroutine. It returns false after shutdown.
func (e *executor) Go(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// After schedules fn to run once after d unless the task is cancelled or
// the executor shuts down first. It returns nil after shutdown.
func (e *executor) After(d time.Duration, fn func(ctx context.Context)) *task {
	t := &task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	ok := e.Go(func(ctx context.Context) {
		defer close(t.done)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C:
		}
		// Cancellation racing the timer wins.
		select {
		case <-t.stop:
			return
		default:
		}
		t.fired.Store(true)
		fn(ctx)
	})
	if !ok {
		return nil
	}
	return t
}

// Shutdown cancels all tasks and waits up to timeout for them to return.
// It reports whether every task finished in time. Safe to call repeatedly.
func (e *executor) Shutdown(timeout time.Duration) bool {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

// Context returns the executor's context, cancelled at shutdown.
func (e *executor) Context() context.Context {
	return e.ctx
}

// task is a delayed call scheduled on an executor.
type task struct {
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	fired atomic.Bool
}

// Cancel prevents the task from running if it has not fired yet.
func (t *task) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Done is closed once the task has run or been abandoned.
func (t *task) Done() <-chan struct{} {
	return t.done
}

// Fired reports whether the task body started.
func (t *task) Fired() bool {
	return t.fired.Load()
}
