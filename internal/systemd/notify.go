// Package systemd reports service readiness, status and watchdog
// keep-alives through the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/stayopen/internal/logging"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger   logging.Logger
	send     func(unsetEnvironment bool, state string) (bool, error)
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

// NewNotifier creates a Notifier.
func NewNotifier(logger logging.Logger) *Notifier {
	return &Notifier{
		logger:   logger,
		send:     daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

// Ready tells systemd startup is complete (Type=notify units).
func (n *Notifier) Ready() {
	n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) {
	n.notify("STATUS=" + status)
}

// Watchdog pings systemd at half the unit's WatchdogSec until ctx is
// done. alive gates each ping; a false result lets systemd restart the
// service. It returns at once when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) {
	interval, err := n.watchdog(false)
	if err != nil {
		n.logger.Warn("Failed to read watchdog settings", "error", err)
		return
	}
	if interval <= 0 {
		return
	}

	n.logger.Info("systemd watchdog enabled", "interval", interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if alive == nil || alive() {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}

func (n *Notifier) notify(state string) {
	sent, err := n.send(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("sd_notify sent", "state", state)
	}
}
