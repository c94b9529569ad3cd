// Package systemd reports service state to systemd via sd_notify. All calls
// are no-ops when the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1 with an optional STATUS line.
func Ready(status string) (bool, error) {
	return notify(daemon.SdNotifyReady, status)
}

// Stopping reports STOPPING=1.
func Stopping() (bool, error) {
	return notify(daemon.SdNotifyStopping, "")
}

// Status updates the STATUS line shown by systemctl status.
func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

func notify(state, status string) (bool, error) {
	if status != "" {
		state += "\nSTATUS=" + status
	}
	return daemon.SdNotify(false, state)
}

// RunWatchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx
// is done. It returns immediately when the watchdog is not enabled.
func RunWatchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
