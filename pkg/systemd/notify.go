// Package systemd reports service state to the systemd manager over the
// notify socket. Outside systemd every call is a no-op.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "countdown/pkg/logx"
)

type Notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
	// watchdog returns the configured WatchdogSec (0 when disabled).
	watchdog func() (time.Duration, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log,
		send:     func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// Reloaded closes a Reloading notification.
func (n *Notifier) Reloaded() { n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Watchdog() { n.notify(daemon.SdNotifyWatchdog) }

// WatchdogInterval returns how often Watchdog should be called: half the
// configured timeout, or 0 when the unit has no watchdog.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

func (n *Notifier) notify(state string) {
	sent, err := n.send(state)
	switch {
	case err != nil:
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}
