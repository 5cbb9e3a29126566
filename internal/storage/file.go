package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chimed/pkg/logx"
)

const (
	// maxRunsPerTimer bounds history kept per timer, in memory and after
	// compaction on disk.
	maxRunsPerTimer = 200
	// compactEvery is how many journal appends trigger a compaction.
	compactEvery = 1000
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.snapshot.json (periodic snapshot)
//   - <prefix>.runs.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot, which also trims
// each timer to its retained window. A crash between snapshot and truncate
// at worst replays journal records that are already in the snapshot; rings
// are rebuilt from both on open, so duplicates only cost memory briefly.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	runs map[string][]RunRecord // per timer, oldest first, capped

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".runs.snapshot.json"
	journalPath := prefix + ".runs.journal.jsonl"

	runs := map[string][]RunRecord{}
	_ = loadRunsSnapshot(snapPath, runs)
	_ = replayRunsJournal(journalPath, runs)
	for timer := range runs {
		runs[timer] = trimRuns(runs[timer])
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		runs:         runs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) RecordRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	r.Timer = strings.TrimSpace(r.Timer)
	if r.Timer == "" {
		return errors.New("run record needs a timer name")
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("runs journal closed")
	}

	s.runs[r.Timer] = trimRuns(append(s.runs[r.Timer], r))

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, timer string, limit int) ([]RunRecord, error) {
	_ = ctx
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []RunRecord
	if timer = strings.TrimSpace(timer); timer != "" {
		all = append(all, s.runs[timer]...)
	} else {
		for _, rs := range s.runs {
			all = append(all, rs...)
		}
	}

	// Newest first; ties keep map/ring order.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Started.After(all[j].Started) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// clampLimit applies the default and upper bound for history queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// trimRuns caps a ring to maxRunsPerTimer, dropping oldest entries. It
// shifts in place so the backing array doesn't grow run over run.
func trimRuns(rs []RunRecord) []RunRecord {
	if len(rs) <= maxRunsPerTimer {
		return rs
	}
	n := copy(rs, rs[len(rs)-maxRunsPerTimer:])
	return rs[:n]
}

func (s *fileStore) compactLocked() error {
	flat := make([]RunRecord, 0, len(s.runs)*8)
	for _, rs := range s.runs {
		flat = append(flat, rs...)
	}
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Started.Before(flat[j].Started) })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(flat); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadRunsSnapshot(path string, out map[string][]RunRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var flat []RunRecord
	if err := json.NewDecoder(f).Decode(&flat); err != nil {
		return err
	}
	for _, r := range flat {
		if r.Timer == "" {
			continue
		}
		out[r.Timer] = append(out[r.Timer], r)
	}
	return nil
}

func replayRunsJournal(path string, out map[string][]RunRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Timer == "" {
			continue
		}
		out[r.Timer] = append(out[r.Timer], r)
	}
	return sc.Err()
}
