package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chimed/pkg/logx"
	"chimed/pkg/timespec"
)

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the scheduler's logger. Defaults to a no-op logger.
func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithErrorReporter sets the sink for callback failures. Defaults to
// logging through the scheduler's logger.
func WithErrorReporter(r ErrorReporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// JobOptions tweak a single Schedule call.
type JobOptions struct {
	// Data is an opaque value attached to the job, reachable from the
	// callback via Job.Data.
	Data any
	// Once ends the job after its next occurrence.
	Once bool
	// SkipNow makes the first wait ignore the current minute, so a spec
	// matching right now fires at the occurrence after it.
	SkipNow bool
}

// Scheduler owns a collection of jobs and the clock they run on.
type Scheduler struct {
	clock    Clock
	log      logx.Logger
	reporter ErrorReporter

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    []*Job
	stopped bool
}

// New returns a live scheduler. It needs no Start; jobs run as soon as
// they are scheduled.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{clock: systemClock{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.reporter == nil {
		s.reporter = logReporter{log: s.log}
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Schedule registers cb to run at every occurrence of spec. The spec must
// have at least one future occurrence, otherwise ErrNoFutureOccurrence
// and no job is created.
func (s *Scheduler) Schedule(spec timespec.Spec, cb Callback) (*Job, error) {
	return s.ScheduleOpt(spec, cb, JobOptions{})
}

// ScheduleOpt is Schedule with per-job options.
func (s *Scheduler) ScheduleOpt(spec timespec.Spec, cb Callback, opts JobOptions) (*Job, error) {
	if cb == nil {
		return nil, errors.New("scheduler: nil callback")
	}
	norm, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	// The existence check deliberately ignores SkipNow: a spec whose only
	// occurrence is the current minute is still schedulable.
	if timespec.NextOccurrence(norm, s.clock.Now(), false).IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoFutureOccurrence, norm)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	j := newJob(s, norm, cb, opts)
	first := j.cachedNext
	s.jobs = append(s.jobs, j)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("job scheduled",
		logx.String("spec", norm.String()),
		logx.Bool("repeat", j.repeat),
		logx.Time("next", first))
	go j.loop(s.runCtx)
	return j, nil
}

// Remove drops the job from the collection without cancelling it; its
// loop keeps running until it ends on its own. Most callers want
// Job.Cancel, which makes the loop deregister itself.
func (s *Scheduler) Remove(job *Job) {
	s.log.Debug("removing job", logx.String("spec", job.spec.String()))
	s.drop(job)
}

func (s *Scheduler) drop(job *Job) {
	s.mu.Lock()
	for i, j := range s.jobs {
		if j == job {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Jobs returns a snapshot of the live jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Find returns the first live job matching pred, or nil.
func (s *Scheduler) Find(pred func(*Job) bool) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if pred(j) {
			return j
		}
	}
	return nil
}

// AfterFunc runs fn once after d on the scheduler's clock. The returned
// Timer can be skipped or cancelled. Raw timers live outside the job
// collection; Stop does not touch them.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) *Timer {
	return newTimer(s.clock, s.log, d, fn)
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop cancels every job, rejects new work from now on, and waits for
// loops and in-flight callbacks to wind down, bounded by ctx. The context
// handed to callbacks is cancelled so long-running work returns promptly.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested", logx.Int("jobs", len(jobs)))
	for _, j := range jobs {
		j.cancelQuiet()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("stop timed out", logx.Duration("took", time.Since(start)))
		return ctx.Err()
	}
}

func (s *Scheduler) report(ctx context.Context, j *Job, err error) {
	if s.reporter == nil {
		return
	}
	s.reporter.ReportError(ctx, j, err)
}
