package scheduler

import (
	"runtime/debug"
	"sync"
	"time"

	"chimed/pkg/logx"
)

// Timer runs a function once after a delay. Unlike a bare time.AfterFunc
// it can be skipped, which runs the function right away instead of
// waiting out the delay.
type Timer struct {
	log logx.Logger
	fn  func()

	mu        sync.Mutex
	handle    TimerHandle
	fired     bool
	cancelled bool
}

func newTimer(clock Clock, log logx.Logger, d time.Duration, fn func()) *Timer {
	t := &Timer{log: log, fn: fn}
	h := clock.AfterFunc(d, t.fire)
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.fired || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.invoke()
}

// Skip stops the countdown and runs the function immediately on the
// calling goroutine. Skipping a cancelled timer still runs the function;
// skipping after the function started returns ErrAlreadyRun.
func (t *Timer) Skip() error {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return ErrAlreadyRun
	}
	t.fired = true
	if t.handle != nil {
		t.handle.Stop()
	}
	t.mu.Unlock()
	t.invoke()
	return nil
}

// Cancel stops the countdown so the function never runs. Cancelling twice
// is a no-op; cancelling after the function started returns ErrAlreadyRun.
func (t *Timer) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return ErrAlreadyRun
	}
	t.cancelled = true
	if t.handle != nil {
		t.handle.Stop()
	}
	return nil
}

// Fired reports whether the function has started.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Cancelled reports whether Cancel won.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Timer) invoke() {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("timer callback panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	t.fn()
}
