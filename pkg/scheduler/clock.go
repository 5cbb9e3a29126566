package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive the scheduler deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc arranges for fn to run on its own goroutine once d has
	// elapsed. A non-positive d fires as soon as possible.
	AfterFunc(d time.Duration, fn func()) TimerHandle
}

// TimerHandle is the cancellation handle of a pending AfterFunc.
type TimerHandle interface {
	// Stop prevents the function from firing and reports whether it was
	// stopped before it ran.
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) TimerHandle {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// ManualClock is a Clock for tests. Time stands still until Advance is
// called; timers that come due fire on the advancing goroutine, earliest
// first.
type ManualClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	pending []*manualTimer
	seq     uint64
}

// NewManualClock returns a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) TimerHandle {
	c.mu.Lock()
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: fn}
	c.seq++
	if d <= 0 {
		// Already due. Fire on the calling goroutine so tests need no
		// extra synchronization for immediate timers.
		t.fired = true
		c.mu.Unlock()
		fn()
		return t
	}
	c.pending = append(c.pending, t)
	c.cond.Broadcast()
	c.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due
// along the way in due-time order. Functions run on this goroutine with
// the clock set to their due time, so a fired function observes a
// consistent Now and may arm new timers, which also fire if they fall
// within the advance window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	for {
		t := c.nextDueLocked(end)
		if t == nil {
			break
		}
		if t.at.After(c.now) {
			c.now = t.at
		}
		t.fired = true
		c.removeLocked(t)
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	if end.After(c.now) {
		c.now = end
	}
	c.mu.Unlock()
}

// BlockUntil returns once at least n timers are pending. Tests use it to
// wait for a loop goroutine to re-arm before advancing further.
func (c *ManualClock) BlockUntil(n int) {
	c.mu.Lock()
	for len(c.pending) < n {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Pending reports the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *ManualClock) nextDueLocked(end time.Time) *manualTimer {
	var best *manualTimer
	for _, t := range c.pending {
		if t.at.After(end) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (c *ManualClock) removeLocked(t *manualTimer) {
	for i, other := range c.pending {
		if other == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

type manualTimer struct {
	clock *ManualClock
	at    time.Time
	seq   uint64
	fn    func()

	// guarded by clock.mu
	fired   bool
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.clock.removeLocked(t)
	return true
}
