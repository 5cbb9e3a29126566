package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"chimed/pkg/timespec"
)

// atFormats are the accepted layouts for TimerConfig.At, tried in order.
// Layouts without a zone are interpreted in local time.
var atFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseAtTime parses a TimerConfig.At timestamp.
func ParseAtTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range atFormats {
		var (
			t   time.Time
			err error
		)
		if strings.Contains(layout, "Z07:00") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (want RFC 3339 or \"2006-01-02 15:04:05\")", raw)
}

// Validate rejects configs that must not be committed or hot-applied.
// It checks shape only; whether a schedule still has future occurrences is
// decided when the timer is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if lvl := strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)); lvl != "" {
		switch lvl {
		case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		default:
			return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.TrimSpace(s.Driver) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.RPC.IsEnabled() {
		if sock := cfg.RPC.Socket; sock != "" && strings.TrimSpace(sock) == "" {
			return fmt.Errorf("rpc.socket must not be blank")
		}
	}

	if _, err := ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout); err != nil {
		return err
	}
	if cfg.Pprof.MutexProfileFraction < 0 {
		return fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if cfg.Pprof.BlockProfileRate < 0 {
		return fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if cfg.Pprof.MemProfileRate < 0 {
		return fmt.Errorf("pprof.mem_profile_rate must be >= 0")
	}

	if _, err := ParseDurationField("watchdog.interval", cfg.Watchdog.Interval); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Timers))
	for i, t := range cfg.Timers {
		where := fmt.Sprintf("timers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		where = fmt.Sprintf("timers[%d] (%s)", i, name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: duplicate timer name", where)
		}
		seen[name] = struct{}{}

		if err := validateTimer(where, t); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTimer checks a single definition outside a full config, for
// timers added at runtime. The name must still be non-blank; uniqueness
// is the caller's problem.
func ValidateTimer(t TimerConfig) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("timer: name is required")
	}
	return validateTimer(name, t)
}

func validateTimer(where string, t TimerConfig) error {
	switch t.ScheduleKind() {
	case "cron":
		if _, err := timespec.FromCron(strings.TrimSpace(t.Cron)); err != nil {
			return fmt.Errorf("%s: cron: %w", where, err)
		}
	case "calendar":
		if _, err := t.Calendar.Normalize(); err != nil {
			return fmt.Errorf("%s: calendar: %w", where, err)
		}
	case "at":
		// A timestamp in the past is fine: the timer runs once immediately
		// when applied.
		if _, err := ParseAtTime(t.At); err != nil {
			return fmt.Errorf("%s: at: %w", where, err)
		}
	case "every":
		d, err := time.ParseDuration(strings.TrimSpace(t.Every))
		if err != nil {
			return fmt.Errorf("%s: every: invalid duration %q: %w", where, t.Every, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: every: duration must be > 0", where)
		}
	default:
		return fmt.Errorf("%s: exactly one of cron, calendar, at, every must be set", where)
	}

	words, err := shellquote.Split(t.Command)
	if err != nil {
		return fmt.Errorf("%s: command: %w", where, err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%s: command is required", where)
	}

	if _, err := ParseDurationField(where+".timeout", t.Timeout); err != nil {
		return err
	}
	return nil
}
