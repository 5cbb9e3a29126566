package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"chimed/pkg/timespec"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the optional run-history persistence layer.
	// Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	RPC      RPCConfig      `json:"rpc,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`

	// Timers is the declarative timer table. Reloads diff this list against
	// the running set by name and definition hash.
	Timers []TimerConfig `json:"timers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/chimed/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RPCConfig controls the local control socket.
//
// Enabled is a pointer so an omitted section keeps the socket on; chimectl
// is the only way to talk to a running daemon.
type RPCConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Socket  string `json:"socket,omitempty"` // default: /run/chimed.sock
}

func (c RPCConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// WatchdogConfig controls systemd watchdog pings.
//
// The ping interval is derived from WATCHDOG_USEC; Interval overrides it
// (mostly useful for testing outside systemd).
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // Go duration string
}

// TimerConfig declares one recurring or one-shot timer.
//
// Exactly one of Cron, Calendar, At, Every must be set:
//   - Cron: five-field cron expression or a @hourly/@daily/... descriptor.
//   - Calendar: structured field sets (minute/hour/day/month/weekday/year).
//   - At: a single timestamp, RFC 3339 or a local "2006-01-02 15:04" form.
//     An At in the past is accepted and runs once immediately when applied.
//   - Every: a fixed interval (Go duration string), first run one interval
//     after apply.
type TimerConfig struct {
	Name string `json:"name"`

	Cron     string         `json:"cron,omitempty"`
	Calendar *timespec.Spec `json:"calendar,omitempty"`
	At       string         `json:"at,omitempty"`
	Every    string         `json:"every,omitempty"`

	// Command is split shell-style (quotes and escapes honored) and executed
	// directly, not through a shell.
	Command string `json:"command"`

	// Timeout bounds one run. "0s" or omitted means no timeout.
	Timeout string `json:"timeout,omitempty"`

	// Enabled is a pointer so "omitted" means on without breaking configs
	// that spell out "enabled": true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (t TimerConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// ScheduleKind returns which schedule form is set: "cron", "calendar", "at",
// "every", or "" when none (or more than one) is.
func (t TimerConfig) ScheduleKind() string {
	kinds := make([]string, 0, 1)
	if strings.TrimSpace(t.Cron) != "" {
		kinds = append(kinds, "cron")
	}
	if t.Calendar != nil {
		kinds = append(kinds, "calendar")
	}
	if strings.TrimSpace(t.At) != "" {
		kinds = append(kinds, "at")
	}
	if strings.TrimSpace(t.Every) != "" {
		kinds = append(kinds, "every")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// ScheduleString is a short human-readable schedule summary for logs and
// status output.
func (t TimerConfig) ScheduleString() string {
	switch t.ScheduleKind() {
	case "cron":
		return "cron " + strings.TrimSpace(t.Cron)
	case "calendar":
		return t.Calendar.String()
	case "at":
		return "at " + strings.TrimSpace(t.At)
	case "every":
		return "every " + strings.TrimSpace(t.Every)
	default:
		return "invalid"
	}
}

// Hash returns a stable hash of the timer definition. Reloads use it to
// decide whether a running timer must be replaced. Formatting and key order
// in the source file don't matter; any semantic field change does.
func (t TimerConfig) Hash() uint64 {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return canonicalHashJSON(b)
}

func (t TimerConfig) String() string {
	return fmt.Sprintf("%s (%s)", strings.TrimSpace(t.Name), t.ScheduleString())
}
