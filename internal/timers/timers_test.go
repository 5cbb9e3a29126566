package timers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chimed/internal/config"
	"chimed/internal/eventbus"
	"chimed/internal/storage"
	"chimed/pkg/logx"
	"chimed/pkg/scheduler"
	"chimed/pkg/timespec"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, clock scheduler.Clock, store storage.Store) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	svc := New(logx.Nop(), bus, store, WithClock(clock))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func everyDef(name, every, command string) config.TimerConfig {
	return config.TimerConfig{Name: name, Every: every, Command: command}
}

func boolPtr(b bool) *bool { return &b }

// memStore is an in-memory run history for tests.
type memStore struct {
	mu   sync.Mutex
	recs []storage.RunRecord
	fail bool
}

func (m *memStore) RecordRun(ctx context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("history unavailable")
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) RecentRuns(ctx context.Context, timer string, limit int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RunRecord
	for i := len(m.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if timer == "" || m.recs[i].Timer == timer {
			out = append(out, m.recs[i])
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func TestApplyAddsAndLists(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	defs := []config.TimerConfig{
		{Name: "backup", Cron: "30 3 * * *", Command: "true"},
		everyDef("tick", "1m", "true"),
		{Name: "off", Every: "1m", Command: "true", Enabled: boolPtr(false)},
	}
	if err := svc.Apply(defs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snaps := svc.List()
	if len(snaps) != 3 {
		t.Fatalf("List returned %d timers, want 3", len(snaps))
	}
	if snaps[0].Name != "backup" || snaps[1].Name != "off" || snaps[2].Name != "tick" {
		t.Fatalf("unexpected order: %s, %s, %s", snaps[0].Name, snaps[1].Name, snaps[2].Name)
	}

	backup := snaps[0]
	if backup.Kind != "cron" || backup.State != "waiting" {
		t.Fatalf("backup = kind %q state %q", backup.Kind, backup.State)
	}
	wantNext := time.Date(2026, 3, 15, 3, 30, 0, 0, time.UTC)
	if !backup.Next.Equal(wantNext) {
		t.Fatalf("backup next = %v, want %v", backup.Next, wantNext)
	}

	off := snaps[1]
	if off.Enabled || off.State != "disabled" || !off.Next.IsZero() {
		t.Fatalf("off = enabled %v state %q next %v", off.Enabled, off.State, off.Next)
	}

	tick := snaps[2]
	if !tick.Next.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("tick next = %v, want %v", tick.Next, testStart.Add(time.Minute))
	}

	if _, err := svc.Get("backup"); err != nil {
		t.Fatalf("Get(backup): %v", err)
	}
	if _, err := svc.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(nope) = %v, want ErrNotFound", err)
	}
}

func TestApplyReconciles(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	if err := svc.Apply([]config.TimerConfig{
		everyDef("a", "1m", "true"),
		everyDef("b", "1m", "true"),
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Run a once so its counter proves survival.
	if _, err := svc.Trigger(context.Background(), "a"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// Identical defs: nothing rebuilt, counters intact.
	if err := svc.Apply([]config.TimerConfig{
		everyDef("a", "1m", "true"),
		everyDef("b", "1m", "true"),
	}); err != nil {
		t.Fatalf("Apply again: %v", err)
	}
	a, _ := svc.Get("a")
	if a.Runs != 1 {
		t.Fatalf("a runs = %d after no-op apply, want 1", a.Runs)
	}

	// a changes, b disappears, c is new.
	if err := svc.Apply([]config.TimerConfig{
		everyDef("a", "2m", "true"),
		everyDef("c", "1m", "true"),
	}); err != nil {
		t.Fatalf("Apply diff: %v", err)
	}

	snaps := svc.List()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Name != "c" {
		t.Fatalf("unexpected timers after diff: %+v", snaps)
	}
	a = snaps[0]
	if a.Runs != 0 {
		t.Fatalf("replaced a kept runs = %d, want 0", a.Runs)
	}
	if !a.Next.Equal(testStart.Add(2 * time.Minute)) {
		t.Fatalf("replaced a next = %v, want %v", a.Next, testStart.Add(2*time.Minute))
	}
	if _, err := svc.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b still present after removal: %v", err)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	// Year 2020 normalizes fine but has no future occurrence.
	stale := config.TimerConfig{
		Name:     "stale",
		Calendar: &timespec.Spec{Year: timespec.On(2020)},
		Command:  "true",
	}
	err := svc.Apply([]config.TimerConfig{everyDef("good", "1m", "true"), stale})
	if err == nil {
		t.Fatal("Apply accepted a timer with no future occurrence")
	}
	snaps := svc.List()
	if len(snaps) != 1 || snaps[0].Name != "good" {
		t.Fatalf("want only the good timer installed, got %+v", snaps)
	}
}

func TestEveryFires(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	store := &memStore{}
	svc, bus := newTestService(t, clock, store)

	if err := svc.Apply([]config.TimerConfig{everyDef("tick", "1m", "echo ping")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ch, unsub := bus.Subscribe(8, "timer.fired")
	defer unsub()

	clock.Advance(time.Minute)

	snap, _ := svc.Get("tick")
	if snap.Runs != 1 || snap.Failures != 0 {
		t.Fatalf("runs = %d failures = %d, want 1/0", snap.Runs, snap.Failures)
	}
	if snap.LastRun == nil || !snap.LastRun.OK || snap.LastRun.Output != "ping\n" {
		t.Fatalf("last run = %+v", snap.LastRun)
	}
	if !snap.Next.Equal(testStart.Add(2 * time.Minute)) {
		t.Fatalf("next = %v, want %v", snap.Next, testStart.Add(2*time.Minute))
	}

	ev := waitEvent(t, ch, "timer.fired")
	payload, ok := ev.Data.(TimerEvent)
	if !ok || payload.Name != "tick" || payload.ExitCode != 0 {
		t.Fatalf("event payload = %#v", ev.Data)
	}

	clock.Advance(time.Minute)
	snap, _ = svc.Get("tick")
	if snap.Runs != 2 {
		t.Fatalf("runs = %d after second advance, want 2", snap.Runs)
	}
	if store.count() != 2 {
		t.Fatalf("store has %d records, want 2", store.count())
	}
}

func TestCalendarJobFires(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, bus := newTestService(t, clock, nil)

	def := config.TimerConfig{
		Name:     "standup",
		Calendar: &timespec.Spec{Hour: timespec.On(9), Minute: timespec.On(5)},
		Command:  "true",
	}
	ch, unsub := bus.Subscribe(8, "timer.fired")
	defer unsub()
	if err := svc.Apply([]config.TimerConfig{def}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(5 * time.Minute)

	ev := waitEvent(t, ch, "timer.fired")
	payload := ev.Data.(TimerEvent)
	if payload.Name != "standup" || payload.ExitCode != 0 {
		t.Fatalf("event payload = %+v", payload)
	}
	snap, _ := svc.Get("standup")
	if snap.Runs != 1 {
		t.Fatalf("runs = %d, want 1", snap.Runs)
	}
}

func TestAtPastRunsImmediately(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, bus := newTestService(t, clock, nil)

	ch, unsub := bus.Subscribe(8, "timer.finished")
	defer unsub()
	def := config.TimerConfig{Name: "once", At: "2020-01-02T03:04:05Z", Command: "true"}
	if err := svc.Apply([]config.TimerConfig{def}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	waitEvent(t, ch, "timer.finished")
	snap, _ := svc.Get("once")
	if snap.State != "done" || snap.Runs != 1 || !snap.Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	runs, err := svc.NextRuns("once", 3)
	if err != nil || len(runs) != 0 {
		t.Fatalf("NextRuns = %v, %v; want empty", runs, err)
	}
}

func TestAtFutureFiresOnce(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, bus := newTestService(t, clock, nil)

	ch, unsub := bus.Subscribe(8, "timer.finished")
	defer unsub()
	def := config.TimerConfig{Name: "once", At: "2026-03-14T09:30:00Z", Command: "true"}
	if err := svc.Apply([]config.TimerConfig{def}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap, _ := svc.Get("once")
	wantNext := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if snap.State != "waiting" || !snap.Next.Equal(wantNext) {
		t.Fatalf("snapshot before fire = %+v", snap)
	}

	clock.BlockUntil(1)
	clock.Advance(30 * time.Minute)

	waitEvent(t, ch, "timer.finished")
	snap, _ = svc.Get("once")
	if snap.State != "done" || snap.Runs != 1 {
		t.Fatalf("snapshot after fire = %+v", snap)
	}
}

func TestTriggerRunsNow(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	store := &memStore{}
	svc, bus := newTestService(t, clock, store)

	if err := svc.Apply([]config.TimerConfig{everyDef("tick", "1m", "echo pong")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sum, err := svc.Trigger(context.Background(), "tick")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !sum.OK || sum.Output != "pong\n" {
		t.Fatalf("summary = %+v", sum)
	}
	snap, _ := svc.Get("tick")
	if snap.Runs != 1 {
		t.Fatalf("runs = %d, want 1", snap.Runs)
	}
	// The scheduled occurrence is untouched.
	if !snap.Next.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("next moved to %v after trigger", snap.Next)
	}
	if store.count() != 1 {
		t.Fatalf("store has %d records, want 1", store.count())
	}

	if _, err := svc.Trigger(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger(nope) = %v, want ErrNotFound", err)
	}

	ch, unsub := bus.Subscribe(8, "timer.failed")
	defer unsub()
	if err := svc.Apply([]config.TimerConfig{
		everyDef("tick", "1m", "echo pong"),
		{Name: "broken", Every: "1m", Command: `sh -c "exit 3"`},
	}); err != nil {
		t.Fatalf("Apply broken: %v", err)
	}
	sum, err = svc.Trigger(context.Background(), "broken")
	if err != nil {
		t.Fatalf("Trigger(broken): %v", err)
	}
	if sum.OK || sum.ExitCode != 3 {
		t.Fatalf("summary = %+v, want exit code 3", sum)
	}
	snap, _ = svc.Get("broken")
	if snap.Failures != 1 {
		t.Fatalf("failures = %d, want 1", snap.Failures)
	}
	ev := waitEvent(t, ch, "timer.failed")
	if ev.Data.(TimerEvent).ExitCode != 3 {
		t.Fatalf("failed event = %#v", ev.Data)
	}
}

func TestEphemeralLifecycle(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	snap, err := svc.Add(everyDef("scratch", "1m", "true"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !snap.Ephemeral {
		t.Fatal("added timer not marked ephemeral")
	}

	if _, err := svc.Add(everyDef("scratch", "5m", "true")); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Add = %v, want ErrExists", err)
	}
	if _, err := svc.Add(config.TimerConfig{Name: "bad", Command: "true"}); err == nil {
		t.Fatal("Add accepted a timer with no schedule")
	}

	// Reload without the name: the ephemeral timer survives.
	if err := svc.Apply([]config.TimerConfig{everyDef("other", "1m", "true")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := svc.Get("scratch"); err != nil {
		t.Fatalf("ephemeral timer lost on reload: %v", err)
	}

	// A configured timer with the same name takes over.
	if err := svc.Apply([]config.TimerConfig{everyDef("scratch", "2m", "true")}); err != nil {
		t.Fatalf("Apply takeover: %v", err)
	}
	snap, _ = svc.Get("scratch")
	if snap.Ephemeral {
		t.Fatal("config takeover left the timer ephemeral")
	}
	if snap.Schedule != "every 2m" {
		t.Fatalf("schedule = %q, want the configured one", snap.Schedule)
	}

	if err := svc.Remove("scratch"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := svc.Remove("scratch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestAdoptIdenticalEphemeral(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	def := everyDef("scratch", "1m", "true")
	if _, err := svc.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Trigger(context.Background(), "scratch"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if err := svc.Apply([]config.TimerConfig{def}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap, _ := svc.Get("scratch")
	if snap.Ephemeral {
		t.Fatal("identical configured timer did not adopt the ephemeral one")
	}
	if snap.Runs != 1 {
		t.Fatalf("adoption reset runs to %d", snap.Runs)
	}
}

func TestCancelKeepsVisible(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	if err := svc.Apply([]config.TimerConfig{everyDef("tick", "1m", "true")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := svc.Cancel("tick"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	snap, err := svc.Get("tick")
	if err != nil {
		t.Fatalf("cancelled timer gone: %v", err)
	}
	if snap.State != "cancelled" || !snap.Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}

	clock.Advance(5 * time.Minute)
	snap, _ = svc.Get("tick")
	if snap.Runs != 0 {
		t.Fatalf("cancelled timer ran %d times", snap.Runs)
	}

	// Manual trigger still works.
	if _, err := svc.Trigger(context.Background(), "tick"); err != nil {
		t.Fatalf("Trigger after cancel: %v", err)
	}
	snap, _ = svc.Get("tick")
	if snap.Runs != 1 {
		t.Fatalf("runs = %d after trigger, want 1", snap.Runs)
	}

	if err := svc.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel(nope) = %v, want ErrNotFound", err)
	}
}

func TestRunFailureIsRecorded(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	store := &memStore{}
	svc, bus := newTestService(t, clock, store)

	ch, unsub := bus.Subscribe(8, "timer.failed")
	defer unsub()
	if err := svc.Apply([]config.TimerConfig{everyDef("broken", "1m", "/no/such/chimed-binary-xyz")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	clock.Advance(time.Minute)

	snap, _ := svc.Get("broken")
	if snap.Runs != 1 || snap.Failures != 1 {
		t.Fatalf("runs = %d failures = %d, want 1/1", snap.Runs, snap.Failures)
	}
	if snap.LastRun == nil || snap.LastRun.OK || snap.LastRun.Error == "" {
		t.Fatalf("last run = %+v", snap.LastRun)
	}
	waitEvent(t, ch, "timer.failed")

	recs, err := store.RecentRuns(context.Background(), "broken", 10)
	if err != nil || len(recs) != 1 || recs[0].OK {
		t.Fatalf("recorded runs = %+v, %v", recs, err)
	}
}

func TestHistoryFailureDoesNotBlockRuns(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	store := &memStore{fail: true}
	svc, _ := newTestService(t, clock, store)

	if err := svc.Apply([]config.TimerConfig{everyDef("tick", "1m", "true")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	clock.Advance(time.Minute)

	snap, _ := svc.Get("tick")
	if snap.Runs != 1 || snap.LastRun == nil || !snap.LastRun.OK {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNextRuns(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	defs := []config.TimerConfig{
		{Name: "noon", Cron: "0 12 * * *", Command: "true"},
		everyDef("tick", "10m", "true"),
		{Name: "off", Every: "1m", Command: "true", Enabled: boolPtr(false)},
		{Name: "once", At: "2026-03-14T09:30:00Z", Command: "true"},
	}
	if err := svc.Apply(defs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	runs, err := svc.NextRuns("noon", 3)
	if err != nil {
		t.Fatalf("NextRuns(noon): %v", err)
	}
	want := []time.Time{
		time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC),
	}
	if len(runs) != 3 {
		t.Fatalf("NextRuns(noon) returned %d, want 3", len(runs))
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Fatalf("noon[%d] = %v, want %v", i, runs[i], want[i])
		}
	}

	runs, err = svc.NextRuns("tick", 3)
	if err != nil || len(runs) != 3 {
		t.Fatalf("NextRuns(tick) = %v, %v", runs, err)
	}
	for i, r := range runs {
		step := time.Duration(i+1) * 10 * time.Minute
		if !r.Equal(testStart.Add(step)) {
			t.Fatalf("tick[%d] = %v, want %v", i, r, testStart.Add(step))
		}
	}

	runs, err = svc.NextRuns("off", 3)
	if err != nil || len(runs) != 0 {
		t.Fatalf("NextRuns(off) = %v, %v; want empty", runs, err)
	}

	runs, err = svc.NextRuns("once", 3)
	if err != nil || len(runs) != 1 {
		t.Fatalf("NextRuns(once) = %v, %v; want one occurrence", runs, err)
	}

	if _, err := svc.NextRuns("nope", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NextRuns(nope) = %v, want ErrNotFound", err)
	}
}

func TestStopRejectsFurtherWork(t *testing.T) {
	clock := scheduler.NewManualClock(testStart)
	svc, _ := newTestService(t, clock, nil)

	if err := svc.Apply([]config.TimerConfig{everyDef("tick", "1m", "true")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !svc.Stopped() {
		t.Fatal("Stopped() = false after Stop")
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := svc.Apply(nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Apply after stop = %v, want ErrStopped", err)
	}
	if _, err := svc.Trigger(context.Background(), "tick"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after stop = %v, want ErrStopped", err)
	}
	if _, err := svc.Add(everyDef("late", "1m", "true")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Add after stop = %v, want ErrStopped", err)
	}
}
