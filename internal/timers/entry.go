package timers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chimed/internal/config"
	"chimed/internal/eventbus"
	"chimed/internal/storage"
	"chimed/pkg/logx"
	"chimed/pkg/scheduler"
	"chimed/pkg/timespec"
)

// entry is one live timer. The definition is immutable: a config change
// replaces the whole entry, so reads need no lock.
type entry struct {
	name      string
	def       config.TimerConfig
	hash      uint64
	kind      string
	ephemeral bool
	disabled  bool

	timeout  time.Duration
	spec     timespec.Spec // cron, calendar, at
	atTime   time.Time     // at
	interval time.Duration // every

	job *scheduler.Job // cron, calendar, future at
	ev  *everyState    // every

	// atDone marks a past-timestamp one-shot that ran immediately.
	atDone    atomic.Bool
	executing atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64

	// warnLim throttles per-timer failure logging; a broken command firing
	// every minute shouldn't flood the log.
	warnLim    *rate.Limiter
	suppressed atomic.Uint64

	lastMu sync.Mutex
	last   *RunSummary
}

func (e *entry) state() string {
	switch {
	case e.disabled:
		return "disabled"
	case e.executing.Load():
		return "executing"
	case e.ev != nil:
		if e.ev.isStopped() {
			return "cancelled"
		}
		return "waiting"
	case e.job != nil:
		return e.job.State().String()
	case e.atDone.Load():
		return "done"
	default:
		return "waiting"
	}
}

func (e *entry) next() time.Time {
	switch {
	case e.disabled:
		return time.Time{}
	case e.ev != nil:
		return e.ev.nextAt()
	case e.job != nil:
		st := e.job.State()
		if st == scheduler.StateCancelled || st == scheduler.StateDone {
			return time.Time{}
		}
		return e.job.NextExecution(false)
	default:
		return time.Time{}
	}
}

func (e *entry) lastRun() *RunSummary {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	if e.last == nil {
		return nil
	}
	cp := *e.last
	return &cp
}

func (e *entry) setLastRun(sum RunSummary) {
	e.lastMu.Lock()
	e.last = &sum
	e.lastMu.Unlock()
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Name:      e.name,
		Kind:      e.kind,
		Schedule:  e.def.ScheduleString(),
		Enabled:   !e.disabled,
		Ephemeral: e.ephemeral,
		State:     e.state(),
		Next:      e.next(),
		Runs:      e.runs.Load(),
		Failures:  e.failures.Load(),
		LastRun:   e.lastRun(),
	}
}

// newEntry resolves a validated definition into a runnable entry. It does
// not arm anything; startEntry does.
func newEntry(def config.TimerConfig, ephemeral bool) (*entry, error) {
	name := strings.TrimSpace(def.Name)
	e := &entry{
		name:      name,
		def:       def,
		hash:      def.Hash(),
		kind:      def.ScheduleKind(),
		ephemeral: ephemeral,
		disabled:  !def.IsEnabled(),
		warnLim:   rate.NewLimiter(rate.Every(5*time.Minute), 3),
	}

	var err error
	if e.timeout, err = config.ParseDurationField(name+".timeout", def.Timeout); err != nil {
		return nil, err
	}

	switch e.kind {
	case "cron":
		if e.spec, err = timespec.FromCron(strings.TrimSpace(def.Cron)); err != nil {
			return nil, fmt.Errorf("%s: cron: %w", name, err)
		}
	case "calendar":
		if e.spec, err = def.Calendar.Normalize(); err != nil {
			return nil, fmt.Errorf("%s: calendar: %w", name, err)
		}
	case "at":
		if e.atTime, err = config.ParseAtTime(def.At); err != nil {
			return nil, fmt.Errorf("%s: at: %w", name, err)
		}
		e.spec = timespec.At(e.atTime)
	case "every":
		d, err := time.ParseDuration(strings.TrimSpace(def.Every))
		if err != nil {
			return nil, fmt.Errorf("%s: every: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s: every: duration must be > 0", name)
		}
		e.interval = d
	default:
		return nil, fmt.Errorf("%s: exactly one of cron, calendar, at, every must be set", name)
	}
	return e, nil
}

// everyState drives the fixed-interval form: one armed timer at a time,
// re-armed after each run completes, so runs never overlap and the period
// drifts by the run duration.
type everyState struct {
	mu      sync.Mutex
	t       *scheduler.Timer
	next    time.Time
	stopped bool
}

func (ev *everyState) isStopped() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.stopped
}

func (ev *everyState) nextAt() time.Time {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.stopped {
		return time.Time{}
	}
	return ev.next
}

func (ev *everyState) stop() {
	ev.mu.Lock()
	t := ev.t
	ev.t = nil
	ev.stopped = true
	ev.mu.Unlock()
	if t != nil {
		_ = t.Cancel()
	}
}

// armEvery schedules the next interval fire for e. No-op once stopped.
func (s *Service) armEvery(e *entry) {
	ev := e.ev
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.stopped {
		return
	}
	ev.next = s.clock.Now().Add(e.interval)
	ev.t = s.sched.AfterFunc(e.interval, func() {
		if ev.isStopped() {
			return
		}
		s.runEntry(s.runCtx, e)
		s.armEvery(e)
	})
}

// startEntry arms a freshly built entry. Caller holds s.mu.
func (s *Service) startEntryLocked(e *entry) error {
	if e.disabled {
		s.log.Debug("timer disabled", logx.String("timer", e.name))
		return nil
	}

	switch e.kind {
	case "every":
		e.ev = &everyState{}
		s.armEvery(e)
		return nil

	case "at":
		job, err := s.sched.ScheduleOpt(e.spec, s.callback(e), scheduler.JobOptions{Data: e.name, Once: true})
		if err == nil {
			e.job = job
			return nil
		}
		if !errors.Is(err, scheduler.ErrNoFutureOccurrence) {
			return err
		}
		// The timestamp already passed: run once right away.
		s.log.Info("timer timestamp in the past; running now",
			logx.String("timer", e.name), logx.Time("at", e.atTime))
		go func() {
			s.runEntry(s.runCtx, e)
			e.atDone.Store(true)
			s.publish("timer.finished", TimerEvent{Name: e.name, Schedule: e.def.ScheduleString()})
		}()
		return nil

	default: // cron, calendar
		job, err := s.sched.ScheduleOpt(e.spec, s.callback(e), scheduler.JobOptions{Data: e.name})
		if err != nil {
			return err
		}
		e.job = job
		return nil
	}
}

// stopEntry cancels whatever the entry has armed. In-flight runs finish.
func (s *Service) stopEntry(e *entry) {
	if e.ev != nil {
		e.ev.stop()
	}
	if e.job != nil {
		_ = e.job.Cancel()
	}
}

// callback adapts an entry to the job callback shape. The scheduler never
// sees command failures; outcomes are fully handled here.
func (s *Service) callback(e *entry) scheduler.Callback {
	return func(ctx context.Context, job *scheduler.Job) error {
		s.runEntry(ctx, e)
		if e.kind == "at" {
			e.atDone.Store(true)
			s.publish("timer.finished", TimerEvent{Name: e.name, Schedule: e.def.ScheduleString()})
		}
		return nil
	}
}

// runEntry executes the command once and settles history, counters, events
// and logs. The summary and error are for callers that surface the
// outcome directly (Trigger); scheduled paths ignore both.
func (s *Service) runEntry(ctx context.Context, e *entry) (RunSummary, error) {
	s.runWG.Add(1)
	defer s.runWG.Done()
	e.executing.Store(true)
	defer e.executing.Store(false)

	res := s.run.Run(ctx, e.def.Command, e.timeout, "CHIMED_TIMER="+e.name)

	sum := RunSummary{
		Started:  res.Started,
		Duration: res.Duration,
		OK:       res.OK(),
		ExitCode: res.ExitCode,
		Output:   res.Output,
	}
	if res.Err != nil {
		sum.Error = res.Err.Error()
	}
	e.setLastRun(sum)
	e.runs.Add(1)

	if s.store != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec := storage.RunRecord{
			Timer:    e.name,
			Started:  res.Started,
			Duration: res.Duration,
			OK:       res.OK(),
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Error:    sum.Error,
		}
		if err := s.store.RecordRun(rctx, rec); err != nil {
			s.log.Warn("run history write failed", logx.String("timer", e.name), logx.Err(err))
		}
		cancel()
	}

	ev := TimerEvent{
		Name:     e.name,
		Started:  res.Started,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
	}
	if res.OK() {
		s.log.Info("timer fired",
			logx.String("timer", e.name),
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("took", res.Duration),
		)
		s.publish("timer.fired", ev)
		return sum, nil
	}

	e.failures.Add(1)
	ev.Error = sum.Error
	s.publish("timer.failed", ev)
	s.warnRunFailed(e, res.ExitCode, res.Duration, sum.Error)
	return sum, res.Err
}

func (s *Service) warnRunFailed(e *entry, exitCode int, took time.Duration, errStr string) {
	if !e.warnLim.Allow() {
		e.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("timer", e.name),
		logx.Int("exit_code", exitCode),
		logx.Duration("took", took),
		logx.String("err", errStr),
	}
	if n := e.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	s.log.Warn("timer run failed", fields...)
}

func (s *Service) publish(typ string, ev TimerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
