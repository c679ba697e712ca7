// Package systemd reports service state to the host's service manager over
// the sd_notify protocol. Every call is a no-op when the process was not
// started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nudge/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

// Ready signals that startup finished. It reports whether a message was sent.
func (n *Notifier) Ready(status string) bool {
	state := daemon.SdNotifyReady
	if s := strings.TrimSpace(status); s != "" {
		state += "\nSTATUS=" + s
	}
	return n.send(state)
}

// Stopping signals that shutdown began.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status updates the free-form status line shown by systemctl.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

func (n *Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", firstLine(state)), logx.Err(err))
		return false
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", firstLine(state)))
	}
	return sent
}

// Watchdog pings the service manager at half the configured WatchdogSec until
// ctx ends. It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
