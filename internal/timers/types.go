package timers

import (
	"time"
)

// TimerEvent is the payload attached to timer.* bus events
// (timer.scheduled, timer.fired, timer.failed, timer.finished,
// timer.cancelled). Unused fields stay zero.
type TimerEvent struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule,omitempty"`
	Next     time.Time     `json:"next"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
}

// RunSummary is the outcome of one run, shaped for status output.
type RunSummary struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is the externally visible state of one timer.
type Snapshot struct {
	Name      string      `json:"name"`
	Kind      string      `json:"kind"` // cron | calendar | at | every
	Schedule  string      `json:"schedule"`
	Enabled   bool        `json:"enabled"`
	Ephemeral bool        `json:"ephemeral,omitempty"` // added over RPC, not from config
	State     string      `json:"state"`               // disabled | waiting | executing | cancelled | done
	Next      time.Time   `json:"next"`                // zero when no further run is planned
	Runs      uint64      `json:"runs"`
	Failures  uint64      `json:"failures"`
	LastRun   *RunSummary `json:"last_run,omitempty"`
}
