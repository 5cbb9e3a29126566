package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chimed/internal/config"
	"chimed/pkg/logx"
)

// notifyReady tells systemd the daemon is up. Outside systemd there is
// no NOTIFY_SOCKET and this is a no-op.
func (a *App) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify READY sent")
	}
}

func (a *App) notifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}

// startWatchdog spawns the keepalive loop when the config asks for it.
// The ping interval derives from WATCHDOG_USEC (half the timeout);
// watchdog.interval overrides it for runs outside systemd.
func (a *App) startWatchdog(cfg *config.Config) {
	if cfg == nil || !cfg.Watchdog.Enabled {
		return
	}
	interval, err := config.ParseDurationField("watchdog.interval", cfg.Watchdog.Interval)
	if err != nil {
		a.log.Warn("watchdog disabled: bad interval", logx.Err(err))
		return
	}
	if interval <= 0 {
		timeout, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			a.log.Warn("watchdog disabled: WATCHDOG_USEC unreadable", logx.Err(err))
			return
		}
		if timeout <= 0 {
			a.log.Debug("watchdog enabled in config but systemd did not ask for pings")
			return
		}
		interval = timeout / 2
	}

	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		a.log.Info("watchdog keepalive running", logx.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}
