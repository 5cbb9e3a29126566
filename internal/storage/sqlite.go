//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chimed/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r.Timer = strings.TrimSpace(r.Timer)
	if r.Timer == "" {
		return errors.New("run record needs a timer name")
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(timer, started, duration_ms, ok, exit_code, output, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.Timer, r.Started.Format(time.RFC3339Nano), r.Duration.Milliseconds(),
		ok, r.ExitCode, nullStr(r.Output), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneRetention(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, timer string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if timer = strings.TrimSpace(timer); timer != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT timer, started, duration_ms, ok, exit_code, COALESCE(output,''), COALESCE(err,'')
			   FROM runs WHERE timer = ? ORDER BY id DESC LIMIT ?`, timer, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT timer, started, duration_ms, ok, exit_code, COALESCE(output,''), COALESCE(err,'')
			   FROM runs ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
			durMS   int64
			okInt   int
		)
		if err := rows.Scan(&r.Timer, &started, &durMS, &okInt, &r.ExitCode, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		// Tolerate rows written with a different timestamp layout.
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.OK = okInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// pruneRetention trims each timer to its retained window.
func (s *sqliteStore) pruneRetention(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (PARTITION BY timer ORDER BY id DESC) AS rn
		       FROM runs
		   ) WHERE rn > ?
		 )`, maxRunsPerTimer)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
