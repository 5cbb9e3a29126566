package timers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chimed/internal/config"
	"chimed/pkg/logx"
	"chimed/pkg/scheduler"
	"chimed/pkg/timespec"
)

// List returns the state of every timer, sorted by name.
func (s *Service) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the state of one timer.
func (s *Service) Get(name string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Trigger runs the timer's command right now, on the caller's goroutine,
// and returns the outcome. A failing command is an outcome, not an
// error; check RunSummary.OK. Scheduled occurrences are unaffected: a
// pending one-shot still fires at its own time.
func (s *Service) Trigger(ctx context.Context, name string) (RunSummary, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return RunSummary{}, ErrStopped
	}
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return RunSummary{}, ErrNotFound
	}
	s.log.Info("timer triggered", logx.String("timer", e.name))
	sum, _ := s.runEntry(ctx, e)
	return sum, nil
}

// Add installs an ephemeral timer that lives until removed or shut down.
// Config reloads leave it alone unless a configured timer takes the
// name, in which case the config wins.
func (s *Service) Add(def config.TimerConfig) (Snapshot, error) {
	if err := config.ValidateTimer(def); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Snapshot{}, ErrStopped
	}
	name := strings.TrimSpace(def.Name)
	if _, dup := s.entries[name]; dup {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	e, err := newEntry(def, true)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.startEntryLocked(e); err != nil {
		return Snapshot{}, err
	}
	s.entries[name] = e
	s.log.Info("timer added",
		logx.String("timer", name),
		logx.String("kind", e.kind),
		logx.String("schedule", e.def.ScheduleString()),
		logx.Bool("ephemeral", true),
		logx.Time("next", e.next()))
	s.publish("timer.scheduled", TimerEvent{
		Name:     name,
		Schedule: e.def.ScheduleString(),
		Next:     e.next(),
	})
	return e.snapshot(), nil
}

// Remove cancels the timer and forgets it. Removing a configured timer
// only lasts until the next config apply brings it back.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	e, ok := s.entries[name]
	if !ok {
		return ErrNotFound
	}
	s.stopEntry(e)
	delete(s.entries, name)
	s.log.Info("timer removed", logx.String("timer", name))
	s.publish("timer.cancelled", TimerEvent{Name: name, Schedule: e.def.ScheduleString()})
	return nil
}

// Cancel stops future occurrences but keeps the timer visible in List
// with its counters and last run. Triggering a cancelled timer still
// works.
func (s *Service) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return ErrNotFound
	}
	s.stopEntry(e)
	s.log.Info("timer cancelled", logx.String("timer", e.name))
	s.publish("timer.cancelled", TimerEvent{Name: e.name, Schedule: e.def.ScheduleString()})
	return nil
}

// NextRuns projects the next count occurrences, at most 100. Interval
// timers assume zero run time; real fires drift by the previous run's
// duration. Disabled, cancelled and spent timers project nothing.
func (s *Service) NextRuns(name string, count int) ([]time.Time, error) {
	if count <= 0 {
		count = 5
	}
	if count > 100 {
		count = 100
	}
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]time.Time, 0, count)
	switch {
	case e.disabled:
		return out, nil

	case e.ev != nil:
		next := e.ev.nextAt()
		if next.IsZero() {
			return out, nil
		}
		for i := 0; i < count; i++ {
			out = append(out, next.Add(time.Duration(i)*e.interval))
		}
		return out, nil

	case e.job != nil:
		if st := e.job.State(); st == scheduler.StateCancelled || st == scheduler.StateDone {
			return out, nil
		}
		if e.kind == "at" {
			if next := e.job.NextExecution(false); !next.IsZero() {
				out = append(out, next)
			}
			return out, nil
		}
		t := s.clock.Now()
		for i := 0; i < count; i++ {
			t = timespec.NextOccurrence(e.spec, t, i > 0)
			if t.IsZero() {
				break
			}
			out = append(out, t)
		}
		return out, nil

	default:
		// A past-timestamp one-shot that already ran.
		return out, nil
	}
}
