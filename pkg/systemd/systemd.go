// Package systemd reports service state to systemd for Type=notify units.
// Outside such a unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "crosspost/pkg/logx"
)

// Notifier sends sd_notify states. The send func is replaceable for tests.
type Notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, send: func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}}
}

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

// WatchdogInterval returns how often to ping the watchdog, or 0 when
// WATCHDOG_USEC is not set for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx ends. alive gates each
// ping; a false result skips it so systemd restarts a wedged process.
func (n *Notifier) Watchdog(ctx context.Context, interval time.Duration, alive func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive == nil || alive() {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
