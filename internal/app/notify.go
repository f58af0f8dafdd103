package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "schedd/pkg/logx"
)

// notifier reports service state to systemd. Outside systemd
// (NOTIFY_SOCKET unset) every call is a no-op.
type notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) ready()     { n.send(daemon.SdNotifyReady) }
func (n *notifier) reloading() { n.send(daemon.SdNotifyReloading) }
func (n *notifier) stopping()  { n.send(daemon.SdNotifyStopping) }

// watchdog pings at half the interval systemd asked for until ctx is done.
func (n *notifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
