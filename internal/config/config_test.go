package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chimed/pkg/timespec"
)

func boolPtr(b bool) *bool { return &b }

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: file
  path: /tmp/chimed-history
rpc:
  socket: /tmp/chimed.sock
timers:
  - name: backup
    cron: "30 3 * * *"
    command: /usr/local/bin/backup --fast
    timeout: 10m
  - name: standup
    calendar:
      weekday: [1, 2, 3, 4, 5]
      hour: 9
      minute: 30
    command: notify-send standup
  - name: once
    at: "2030-01-02 15:04"
    command: touch /tmp/done
    enabled: false
  - name: tick
    every: 90s
    command: logger tick
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section wrong: %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage section wrong: %+v", cfg.Storage)
	}
	if !cfg.RPC.IsEnabled() || cfg.RPC.Socket != "/tmp/chimed.sock" {
		t.Fatalf("rpc section wrong: %+v", cfg.RPC)
	}
	if len(cfg.Timers) != 4 {
		t.Fatalf("got %d timers, want 4", len(cfg.Timers))
	}

	backup := cfg.Timers[0]
	if backup.ScheduleKind() != "cron" || backup.Command != "/usr/local/bin/backup --fast" {
		t.Fatalf("backup timer wrong: %+v", backup)
	}
	standup := cfg.Timers[1]
	if standup.ScheduleKind() != "calendar" {
		t.Fatalf("standup kind = %q, want calendar", standup.ScheduleKind())
	}
	// Scalar YAML values decode to single-element sets.
	if got := standup.Calendar.Hour; len(got) != 1 || got[0] != 9 {
		t.Fatalf("standup hour = %v, want [9]", got)
	}
	if got := standup.Calendar.Weekday; len(got) != 5 {
		t.Fatalf("standup weekday = %v, want 5 values", got)
	}
	once := cfg.Timers[2]
	if once.ScheduleKind() != "at" || once.IsEnabled() {
		t.Fatalf("once timer wrong: %+v", once)
	}
	tick := cfg.Timers[3]
	if tick.ScheduleKind() != "every" || !tick.IsEnabled() {
		t.Fatalf("tick timer wrong: %+v", tick)
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("sample config should validate: %v", err)
	}
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		body string
	}{
		{
			name: "yaml unknown top-level key",
			path: "config.yaml",
			body: "logging:\n  level: info\nbogus: 1\ntimers: []\n",
		},
		{
			name: "yaml unknown timer key",
			path: "config.yaml",
			body: "timers:\n  - name: x\n    every: 1m\n    command: \"true\"\n    retries: 3\n",
		},
		{
			name: "json unknown calendar key",
			path: "config.json",
			body: `{"timers":[{"name":"x","calendar":{"minute":5,"second":1},"command":"true"}]}`,
		},
		{
			name: "json trailing data",
			path: "config.json",
			body: `{"timers":[]} {"timers":[]}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseBytes(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("ParseBytes accepted %q", tt.body)
			}
		})
	}
}

func TestParseAtTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want time.Time
		ok   bool
	}{
		{
			name: "rfc3339",
			in:   "2030-01-02T15:04:05+07:00",
			want: time.Date(2030, time.January, 2, 15, 4, 5, 0, time.FixedZone("", 7*3600)),
			ok:   true,
		},
		{
			name: "local datetime",
			in:   "2030-01-02 15:04:05",
			want: time.Date(2030, time.January, 2, 15, 4, 5, 0, time.Local),
			ok:   true,
		},
		{
			name: "local minute precision",
			in:   "2030-01-02 15:04",
			want: time.Date(2030, time.January, 2, 15, 4, 0, 0, time.Local),
			ok:   true,
		},
		{name: "empty", in: "  ", ok: false},
		{name: "garbage", in: "next tuesday", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAtTime(tt.in)
			if tt.ok != (err == nil) {
				t.Fatalf("ParseAtTime(%q) err = %v, want ok=%t", tt.in, err, tt.ok)
			}
			if tt.ok && !got.Equal(tt.want) {
				t.Fatalf("ParseAtTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func validTimer() TimerConfig {
	return TimerConfig{Name: "t", Every: "1m", Command: "true"}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "minimal valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "nil config",
			mutate:  nil,
			wantErr: "config is nil",
		},
		{
			name:    "unknown log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(cfg *Config) { cfg.Storage = &StorageConfig{Driver: "postgres", Path: "x"} },
			wantErr: "storage.driver",
		},
		{
			name:    "storage path required",
			mutate:  func(cfg *Config) { cfg.Storage = &StorageConfig{Driver: "sqlite"} },
			wantErr: "storage.path",
		},
		{
			name:   "storage none without path",
			mutate: func(cfg *Config) { cfg.Storage = &StorageConfig{Driver: "none"} },
		},
		{
			name:    "bad busy timeout",
			mutate:  func(cfg *Config) { cfg.Storage = &StorageConfig{Driver: "file", Path: "x", BusyTimeout: "soon"} },
			wantErr: "storage.busy_timeout",
		},
		{
			name:    "negative pprof rate",
			mutate:  func(cfg *Config) { cfg.Pprof.BlockProfileRate = -1 },
			wantErr: "pprof.block_profile_rate",
		},
		{
			name:    "bad watchdog interval",
			mutate:  func(cfg *Config) { cfg.Watchdog.Interval = "often" },
			wantErr: "watchdog.interval",
		},
		{
			name:    "empty timer name",
			mutate:  func(cfg *Config) { cfg.Timers[0].Name = "   " },
			wantErr: "name is required",
		},
		{
			name: "duplicate timer name",
			mutate: func(cfg *Config) {
				cfg.Timers = append(cfg.Timers, validTimer())
			},
			wantErr: "duplicate timer name",
		},
		{
			name: "no schedule form",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = ""
			},
			wantErr: "exactly one of",
		},
		{
			name: "two schedule forms",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Cron = "* * * * *"
			},
			wantErr: "exactly one of",
		},
		{
			name: "bad cron expression",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = ""
				cfg.Timers[0].Cron = "99 * * * *"
			},
			wantErr: "cron",
		},
		{
			name: "calendar value out of range",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = ""
				cfg.Timers[0].Calendar = &timespec.Spec{Minute: timespec.On(75)}
			},
			wantErr: "minute value 75",
		},
		{
			name: "bad at timestamp",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = ""
				cfg.Timers[0].At = "teatime"
			},
			wantErr: "at",
		},
		{
			name: "past at timestamp is accepted",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = ""
				cfg.Timers[0].At = "2001-01-01 00:00:00"
			},
		},
		{
			name: "zero every",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Every = "0s"
			},
			wantErr: "must be > 0",
		},
		{
			name: "empty command",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Command = "   "
			},
			wantErr: "command is required",
		},
		{
			name: "unbalanced quote in command",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Command = `echo "oops`
			},
			wantErr: "command",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timers[0].Timeout = "-5s"
			},
			wantErr: "timeout",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg *Config
			if tt.mutate != nil {
				cfg = &Config{Timers: []TimerConfig{validTimer()}}
				tt.mutate(cfg)
			}
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate accepted bad config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestTimerHash(t *testing.T) {
	t.Parallel()

	a := TimerConfig{Name: "x", Cron: "0 * * * *", Command: "run this"}
	b := TimerConfig{Name: "x", Cron: "0 * * * *", Command: "run this"}
	if a.Hash() != b.Hash() {
		t.Fatalf("identical definitions should hash equal")
	}

	c := b
	c.Command = "run that"
	if a.Hash() == c.Hash() {
		t.Fatalf("changed command should change hash")
	}

	d := b
	d.Enabled = boolPtr(false)
	if a.Hash() == d.Hash() {
		t.Fatalf("disabling should change hash")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Timers: []TimerConfig{
			{Name: "a", Every: "1m", Command: "true"},
			{Name: "b", Cron: "0 * * * *", Command: "true"},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "file", Path: "/tmp/h"},
		Timers: []TimerConfig{
			// reordered but unchanged
			{Name: "b", Cron: "0 * * * *", Command: "true"},
			// redefined
			{Name: "a", Every: "5m", Command: "true"},
			// added
			{Name: "c", Every: "1h", Command: "true"},
		},
	}

	sections, _, timerNames := SummarizeConfigChange(oldCfg, newCfg)
	wantSections := []string{"logging", "storage", "timers"}
	if len(sections) != len(wantSections) {
		t.Fatalf("sections = %v, want %v", sections, wantSections)
	}
	for i := range wantSections {
		if sections[i] != wantSections[i] {
			t.Fatalf("sections = %v, want %v", sections, wantSections)
		}
	}

	wantNames := []string{"a", "c"}
	if len(timerNames) != len(wantNames) {
		t.Fatalf("timer names = %v, want %v", timerNames, wantNames)
	}
	for i := range wantNames {
		if timerNames[i] != wantNames[i] {
			t.Fatalf("timer names = %v, want %v", timerNames, wantNames)
		}
	}

	sections, _, timerNames = SummarizeConfigChange(oldCfg, oldCfg)
	if len(sections) != 0 || len(timerNames) != 0 {
		t.Fatalf("identical configs should produce no changes, got %v / %v", sections, timerNames)
	}
}

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "timers:\n  - name: a\n    every: 1m\n    command: \"true\"\n")

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Timers) != 1 || m.Get() != cfg {
		t.Fatalf("Load/Get mismatch")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content: reload must skip the publish.
	m.reload(context.Background())
	select {
	case got := <-sub:
		t.Fatalf("unchanged reload published %+v", got)
	default:
	}

	// Changed content publishes and commits.
	writeConfigFile(t, dir, "timers:\n  - name: a\n    every: 5m\n    command: \"true\"\n")
	m.reload(context.Background())
	select {
	case got := <-sub:
		if got.Timers[0].Every != "5m" {
			t.Fatalf("published stale config: %+v", got.Timers[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reload did not publish")
	}
	if m.Get().Timers[0].Every != "5m" {
		t.Fatalf("reload did not commit")
	}

	// Broken content is ignored; committed config stays.
	writeConfigFile(t, dir, "timers: [oops\n")
	m.reload(context.Background())
	if m.Get().Timers[0].Every != "5m" {
		t.Fatalf("broken reload clobbered committed config")
	}

	// Validator rejection blocks commit and publish.
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return Validate(cfg)
	})
	writeConfigFile(t, dir, "timers:\n  - name: a\n    every: 0s\n    command: \"true\"\n")
	m.reload(context.Background())
	select {
	case got := <-sub:
		t.Fatalf("rejected config was published: %+v", got)
	default:
	}
	if m.Get().Timers[0].Every != "5m" {
		t.Fatalf("rejected config was committed")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	sub := m.Subscribe(1)
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
	// Second unsubscribe of the same channel is a no-op.
	m.Unsubscribe(sub)
}
