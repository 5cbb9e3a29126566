package config

import (
	"sort"
	"strings"

	"chimed/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like the
// pprof token), and (3) the names of timers that changed (added, removed,
// or redefined).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (persistence). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// RPC socket
	if oldCfg.RPC.IsEnabled() != newCfg.RPC.IsEnabled() ||
		strings.TrimSpace(oldCfg.RPC.Socket) != strings.TrimSpace(newCfg.RPC.Socket) {
		changed = append(changed, "rpc")
		attrs = append(attrs,
			logx.Bool("rpc.enabled", newCfg.RPC.IsEnabled()),
			logx.Bool("rpc.socket_set", strings.TrimSpace(newCfg.RPC.Socket) != ""),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Watchdog
	if oldCfg.Watchdog.Enabled != newCfg.Watchdog.Enabled ||
		strings.TrimSpace(oldCfg.Watchdog.Interval) != strings.TrimSpace(newCfg.Watchdog.Interval) {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.interval", strings.TrimSpace(newCfg.Watchdog.Interval)),
		)
	}

	// Timers (summarize only; details at debug)
	timerChanged := diffTimers(oldCfg.Timers, newCfg.Timers)
	if len(timerChanged) > 0 {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.changed_count", len(timerChanged)),
			logx.Int("timers.enabled_count", countEnabledTimers(newCfg.Timers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, timerChanged
}

func countEnabledTimers(timers []TimerConfig) int {
	n := 0
	for _, t := range timers {
		if t.IsEnabled() {
			n++
		}
	}
	return n
}

// diffTimers returns the sorted names of timers whose definition differs
// between the two lists. Reordering entries without changing them is not a
// difference.
func diffTimers(oldT, newT []TimerConfig) []string {
	oldByName := make(map[string]uint64, len(oldT))
	for _, t := range oldT {
		oldByName[strings.TrimSpace(t.Name)] = t.Hash()
	}
	newByName := make(map[string]uint64, len(newT))
	for _, t := range newT {
		newByName[strings.TrimSpace(t.Name)] = t.Hash()
	}

	set := map[string]struct{}{}
	for name := range oldByName {
		set[name] = struct{}{}
	}
	for name := range newByName {
		set[name] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		oh, inOld := oldByName[name]
		nh, inNew := newByName[name]
		if !inOld || !inNew || oh != nh {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
