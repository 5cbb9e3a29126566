package storage

import (
	"context"
	"errors"
	"strings"

	"chimed/pkg/logx"
)

// Store is the run-history API used by the timer service and the RPC server.
type Store interface {
	// RecordRun appends one run. Timer and Started must be set.
	RecordRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest first. An empty timer
	// name selects runs across all timers.
	RecentRuns(ctx context.Context, timer string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
