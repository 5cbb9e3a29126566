package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chimed/pkg/logx"
	"chimed/pkg/timespec"
)

// Callback is the function a Job runs at every occurrence. It receives the
// job so it can reach Data, inspect the schedule or cancel itself.
// Returned errors go to the scheduler's ErrorReporter; they never end the
// job.
type Callback func(ctx context.Context, job *Job) error

// State is a job's lifecycle position.
type State int32

const (
	// StateWaiting: the loop sleeps until the next occurrence.
	StateWaiting State = iota
	// StateExecuting: the callback is running.
	StateExecuting
	// StateCancelled: Cancel ended the job.
	StateCancelled
	// StateDone: the job finished on its own, either a one-shot that ran
	// or a spec that ran out of future occurrences.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateExecuting:
		return "executing"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// staleMargin decides when the cached occurrence is spent: anything closer
// is recomputed from now+staleMargin, so the minute that just fired is
// never picked again even though the wall clock still sits inside it.
const staleMargin = 10 * time.Second

// Job couples a recurrence spec with a callback. Jobs are created by
// Scheduler.Schedule and run on their own goroutine until the spec runs
// dry, the job is cancelled, or a one-shot fires.
type Job struct {
	sched *Scheduler
	log   logx.Logger
	cb    Callback

	spec   timespec.Spec // immutable after construction
	repeat bool
	// skipFirst makes the first wait ignore the current minute; later
	// iterations always do.
	skipFirst bool

	// gate has capacity 1. The loop blocks receiving from it; the armed
	// timer, Cancel and RunNow send to wake it. Sends coalesce.
	gate chan struct{}
	done chan struct{}

	state atomic.Int32

	mu         sync.Mutex
	data       any
	cancelled  bool
	scheduled  bool
	consumed   bool
	cachedNext time.Time
	lastWait   time.Duration
	timer      *Timer
}

func newJob(s *Scheduler, spec timespec.Spec, cb Callback, opts JobOptions) *Job {
	j := &Job{
		sched:     s,
		log:       s.log.With(logx.String("spec", spec.String())),
		cb:        cb,
		spec:      spec,
		repeat:    !opts.Once,
		skipFirst: opts.SkipNow,
		gate:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		data:      opts.Data,
	}
	j.cachedNext = timespec.NextOccurrence(spec, s.clock.Now(), opts.SkipNow)
	return j
}

// Spec returns a copy of the job's recurrence spec.
func (j *Job) Spec() timespec.Spec { return j.spec.Clone() }

// Repeats reports whether the job runs at every occurrence or only once.
func (j *Job) Repeats() bool { return j.repeat }

// Data returns the opaque value attached at schedule time.
func (j *Job) Data() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.data
}

// SetData replaces the opaque value. The scheduler itself never touches
// it.
func (j *Job) SetData(v any) {
	j.mu.Lock()
	j.data = v
	j.mu.Unlock()
}

// State returns the job's lifecycle position.
func (j *Job) State() State { return State(j.state.Load()) }

// Scheduled reports whether the loop is live, waiting or executing.
func (j *Job) Scheduled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scheduled
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Done returns a channel closed when the loop has fully wound down.
func (j *Job) Done() <-chan struct{} { return j.done }

// NextExecution returns when the callback runs next, sharing the loop's
// cache. skipNow resolves a spec matching the current minute to the next
// occurrence instead. The zero time means the spec has no future
// occurrence.
func (j *Job) NextExecution(skipNow bool) time.Time {
	now := j.sched.clock.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cachedNext.IsZero() || j.cachedNext.Sub(now) < staleMargin {
		j.cachedNext = timespec.NextOccurrence(j.spec, now.Add(staleMargin), skipNow)
	}
	return j.cachedNext
}

// Cancel stops the job with immediate effect on a waiting loop: the
// callback does not run again. An in-flight callback finishes first. The
// second Cancel returns ErrAlreadyCancelled; cancelling a job that
// already finished is a no-op.
func (j *Job) Cancel() error {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return ErrAlreadyCancelled
	}
	if State(j.state.Load()) == StateDone {
		j.mu.Unlock()
		return nil
	}
	j.cancelled = true
	t := j.timer
	j.mu.Unlock()

	j.state.Store(int32(StateCancelled))
	j.log.Info("job cancelled")
	if t != nil {
		// The timer may have fired first; the loop re-checks cancelled
		// after every wake, so the outcome is the same.
		_ = t.Cancel()
	}
	j.release()
	return nil
}

// cancelQuiet is Cancel for scheduler shutdown: idempotent, no error, no
// per-job info line.
func (j *Job) cancelQuiet() {
	j.mu.Lock()
	if j.cancelled || State(j.state.Load()) == StateDone {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	t := j.timer
	j.mu.Unlock()

	j.state.Store(int32(StateCancelled))
	if t != nil {
		_ = t.Cancel()
	}
	j.release()
}

// RunNow executes the callback ahead of schedule on the calling
// goroutine and returns its error. A repeating job keeps its schedule
// untouched; a one-shot job is consumed, so its pending occurrence will
// not fire anymore and the loop winds down.
func (j *Job) RunNow(ctx context.Context) error {
	j.log.Debug("executing ahead of schedule")
	err := j.invoke(ctx)
	if !j.repeat {
		j.mu.Lock()
		j.consumed = true
		t := j.timer
		j.mu.Unlock()
		if t != nil {
			_ = t.Cancel()
		}
		j.release()
	}
	return err
}

func (j *Job) String() string {
	j.mu.Lock()
	wait := j.lastWait
	scheduled := j.scheduled
	j.mu.Unlock()
	return fmt.Sprintf("job(%s state=%s scheduled=%t last_wait=%s)",
		j.spec, State(j.state.Load()), scheduled, wait)
}

// release wakes a waiting loop. Concurrent wakes coalesce into one.
func (j *Job) release() {
	select {
	case j.gate <- struct{}{}:
	default:
	}
}

func (j *Job) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return j.cb(ctx, j)
}

// loop is the job's goroutine: compute the next occurrence, arm a timer,
// wait on the gate, run the callback, repeat. It deregisters the job from
// the scheduler on the way out.
func (j *Job) loop(ctx context.Context) {
	defer j.sched.wg.Done()
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("job loop panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		j.finish()
	}()

	first := true
	for {
		if j.Cancelled() {
			break
		}

		skipNow := true
		if first {
			skipNow = j.skipFirst
			first = false
		}
		next := j.NextExecution(skipNow)
		if next.IsZero() {
			j.log.Debug("no future occurrence, job ends")
			break
		}

		now := j.sched.clock.Now()
		wait := next.Sub(now)
		if wait == time.Duration(math.MaxInt64) {
			// Sub saturated: the occurrence is centuries away and no
			// timer can represent the wait.
			j.sched.report(ctx, j, fmt.Errorf("%w: next occurrence %s", ErrWaitTooLong, next.Format(time.RFC3339)))
			break
		}

		j.mu.Lock()
		j.scheduled = true
		j.lastWait = wait
		j.mu.Unlock()

		t := newTimer(j.sched.clock, j.log, wait, j.release)
		j.mu.Lock()
		j.timer = t
		j.mu.Unlock()
		j.log.Debug("job armed", logx.Time("next", next), logx.Duration("wait", wait))

		<-j.gate

		j.mu.Lock()
		cancelled := j.cancelled
		consumed := j.consumed
		j.consumed = false
		j.mu.Unlock()
		if cancelled {
			break
		}
		if !consumed {
			j.state.Store(int32(StateExecuting))
			j.log.Debug("executing job")
			if err := j.invoke(ctx); err != nil {
				j.sched.report(ctx, j, err)
			}
			// A cancel that landed during the callback wins the state.
			j.state.CompareAndSwap(int32(StateExecuting), int32(StateWaiting))
		}
		if !j.repeat {
			break
		}
	}
}

// finish settles the terminal state and removes the job from the
// scheduler's collection.
func (j *Job) finish() {
	j.mu.Lock()
	cancelled := j.cancelled
	j.scheduled = false
	t := j.timer
	j.timer = nil
	j.mu.Unlock()

	if t != nil {
		_ = t.Cancel()
	}
	if cancelled {
		j.state.Store(int32(StateCancelled))
	} else {
		j.state.Store(int32(StateDone))
	}
	j.sched.drop(j)
	j.log.Debug("job finished", logx.String("state", State(j.state.Load()).String()))
}
