package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chimed/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDispatch(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want disabled", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path should fail")
	}
}

func TestFileStoreRecordAndRecent(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	records := []RunRecord{
		{Timer: "backup", Started: base, Duration: time.Second, OK: true},
		{Timer: "tick", Started: base.Add(1 * time.Minute), OK: true},
		{Timer: "backup", Started: base.Add(2 * time.Minute), OK: false, ExitCode: 1, Error: "exit status 1"},
		{Timer: "backup", Started: base.Add(3 * time.Minute), OK: true, Output: "done\n"},
	}
	for _, r := range records {
		if err := st.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	got, err := st.RecentRuns(ctx, "backup", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d backup runs, want 3", len(got))
	}
	if !got[0].Started.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("runs not newest first: %v", got[0].Started)
	}
	if got[1].ExitCode != 1 || got[1].Error == "" {
		t.Fatalf("failed run not preserved: %+v", got[1])
	}

	got, err = st.RecentRuns(ctx, "backup", 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied: got %d", len(got))
	}

	all, err := st.RecentRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d total runs, want 4", len(all))
	}
	if all[0].Timer != "backup" || !all[0].Started.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("merged runs not newest first: %+v", all[0])
	}

	none, err := st.RecentRuns(ctx, "missing", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown timer should return nothing, got %v / %v", none, err)
	}
}

func TestFileStoreValidation(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if err := st.RecordRun(ctx, RunRecord{Timer: "   "}); err == nil {
		t.Fatalf("blank timer name should fail")
	}

	before := time.Now()
	if err := st.RecordRun(ctx, RunRecord{Timer: "x"}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	got, err := st.RecentRuns(ctx, "x", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("RecentRuns: %v / %v", got, err)
	}
	if got[0].Started.Before(before.Add(-time.Second)) {
		t.Fatalf("zero Started should be stamped, got %v", got[0].Started)
	}
}

func TestFileStoreReopenReplays(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	st := openTestStore(t, dir)
	for i := 0; i < 5; i++ {
		r := RunRecord{Timer: "job", Started: base.Add(time.Duration(i) * time.Minute), OK: true, ExitCode: 0}
		if err := st.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closed store rejects writes.
	if err := st.RecordRun(ctx, RunRecord{Timer: "job"}); err == nil {
		t.Fatalf("write after close should fail")
	}

	st2 := openTestStore(t, dir)
	got, err := st2.RecentRuns(ctx, "job", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("replay lost records: got %d, want 5", len(got))
	}
	if !got[0].Started.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("replayed runs not newest first: %v", got[0].Started)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	st := openTestStore(t, dir)
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < compactEvery; i++ {
		r := RunRecord{
			Timer:   "busy",
			Started: base.Add(time.Duration(i) * time.Second),
			OK:      i%7 != 0,
			Output:  fmt.Sprintf("run %d", i),
		}
		if err := st.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	snapPath := filepath.Join(dir, "history.runs.snapshot.json")
	journalPath := filepath.Join(dir, "history.runs.journal.jsonl")
	if _, err := os.Stat(snapPath); err != nil {
		t.Fatalf("compaction did not write snapshot: %v", err)
	}
	fi, err := os.Stat(journalPath)
	if err != nil {
		t.Fatalf("journal stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("compaction did not truncate journal (size %d)", fi.Size())
	}

	// Retention caps per-timer history, in memory and across reopen.
	got, err := st.RecentRuns(ctx, "busy", maxRunsPerTimer+50)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != maxRunsPerTimer {
		t.Fatalf("retention: got %d, want %d", len(got), maxRunsPerTimer)
	}
	if !got[0].Started.Equal(base.Add(time.Duration(compactEvery-1) * time.Second)) {
		t.Fatalf("retention should keep newest, got %v", got[0].Started)
	}
	_ = st.Close()

	st2 := openTestStore(t, dir)
	got, err = st2.RecentRuns(ctx, "busy", maxRunsPerTimer+50)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(got) != maxRunsPerTimer {
		t.Fatalf("after reopen: got %d, want %d", len(got), maxRunsPerTimer)
	}
}
