package timers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chimed/internal/config"
	"chimed/internal/eventbus"
	"chimed/internal/runner"
	"chimed/internal/storage"
	"chimed/pkg/logx"
	"chimed/pkg/scheduler"
)

var (
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("timers: service stopped")
	// ErrNotFound is returned when no timer has the given name.
	ErrNotFound = errors.New("timers: no such timer")
	// ErrExists is returned by Add when the name is already taken.
	ErrExists = errors.New("timers: timer already exists")
)

// Option configures the service at construction.
type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c scheduler.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// Service owns the live timers: it resolves definitions into scheduled
// work, runs their commands, and settles every outcome (history, events,
// counters). The scheduler underneath never sees command failures.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	run   *runner.Runner
	sched *scheduler.Scheduler
	clock scheduler.Clock

	// runCtx bounds command executions that run outside a scheduler job
	// (every-form fires, past-timestamp one-shots).
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

// New returns a live service with no timers. Apply installs them. The
// store may be nil when run history is disabled.
func New(log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		store:   store,
		clock:   scheduler.SystemClock(),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	s.run = runner.New(log)
	s.sched = scheduler.New(
		scheduler.WithClock(s.clock),
		scheduler.WithLogger(log),
	)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

// Apply reconciles the live set with defs. Unchanged timers keep their
// state and counters; a changed definition rebuilds the timer and its
// counters start over. Ephemeral timers survive unless a configured
// timer claims their name. Timers that fail to build are skipped and
// reported in the joined error; the rest still apply.
func (s *Service) Apply(defs []config.TimerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	want := make(map[string]config.TimerConfig, len(defs))
	for _, def := range defs {
		want[strings.TrimSpace(def.Name)] = def
	}

	var errs []error
	var added, replaced, removed int

	// Removal pass first, sorted for stable logs.
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := s.entries[name]
		if _, ok := want[name]; ok || e.ephemeral {
			continue
		}
		s.stopEntry(e)
		delete(s.entries, name)
		removed++
		s.log.Info("timer removed", logx.String("timer", name))
		s.publish("timer.cancelled", TimerEvent{Name: name, Schedule: e.def.ScheduleString()})
	}

	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		hash := def.Hash()
		old, exists := s.entries[name]
		if exists && old.hash == hash {
			// Identical definition. An ephemeral entry matching a
			// configured one is simply adopted.
			old.ephemeral = false
			continue
		}

		e, err := newEntry(def, false)
		if err != nil {
			errs = append(errs, err)
			s.log.Error("timer rejected", logx.String("timer", name), logx.Err(err))
			continue
		}
		if exists {
			s.stopEntry(old)
			delete(s.entries, name)
			s.publish("timer.cancelled", TimerEvent{Name: name, Schedule: old.def.ScheduleString()})
		}
		if err := s.startEntryLocked(e); err != nil {
			errs = append(errs, err)
			s.log.Error("timer rejected", logx.String("timer", name), logx.Err(err))
			continue
		}
		s.entries[name] = e
		if exists {
			replaced++
			s.log.Info("timer replaced",
				logx.String("timer", name),
				logx.String("schedule", e.def.ScheduleString()),
				logx.Time("next", e.next()))
		} else {
			added++
			s.log.Info("timer added",
				logx.String("timer", name),
				logx.String("kind", e.kind),
				logx.String("schedule", e.def.ScheduleString()),
				logx.Time("next", e.next()))
		}
		s.publish("timer.scheduled", TimerEvent{
			Name:     name,
			Schedule: e.def.ScheduleString(),
			Next:     e.next(),
		})
	}

	if added+replaced+removed > 0 {
		s.log.Info("timers applied",
			logx.Int("added", added),
			logx.Int("replaced", replaced),
			logx.Int("removed", removed),
			logx.Int("total", len(s.entries)))
	} else {
		s.log.Debug("timers unchanged", logx.Int("total", len(s.entries)))
	}
	return errors.Join(errs...)
}

// Stop cancels every timer and winds the scheduler down. In-flight runs
// get their context cancelled and are waited for, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested", logx.Int("timers", len(entries)))
	for _, e := range entries {
		if e.ev != nil {
			e.ev.stop()
		}
	}
	s.runCancel()
	err := s.sched.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		s.log.Warn("timer service stopped with stragglers",
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Info("timer service stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Service) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
