// Package engine provides the single-goroutine event loop that owns all
// dashboard state. Timers and fetch completions post continuations into it.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs posted functions one at a time, in posting order, on the
// goroutine that called Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	logger  *slog.Logger

	processed atomic.Uint64
}

// NewLoop creates a loop. It does nothing until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  slog.Default().With("module", "loop"),
	}
}

// Run executes posted functions until ctx is cancelled. This MUST be run in a
// single goroutine.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Event loop started")
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stopped)
		l.logger.Info("Event loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop task panic recovered", slog.Any("panic", r))
		}
	}()
	fn()
	l.processed.Add(1)
}

// Post queues fn for execution on the loop. It never blocks and returns false
// once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// Stopped is closed when Run returns.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Processed returns the number of tasks run to completion.
func (l *Loop) Processed() uint64 {
	return l.processed.Load()
}

// Timer is a cancellable one-shot callback running on the loop.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Stop cancels the timer. fn will not run afterwards, even if the timer has
// already fired and its task is queued. Stop on a nil Timer is a no-op.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.t.Stop()
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return tm
}

// Await runs op on its own goroutine and posts done(result, err) to the loop.
func Await[T any](l *Loop, ctx context.Context, op func(context.Context) (T, error), done func(T, error)) {
	go func() {
		v, err := op(ctx)
		l.Post(func() { done(v, err) })
	}()
}
