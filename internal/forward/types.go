package forward

import (
	"errors"
	"time"

	"nudge/internal/nudge"
)

var (
	ErrDisabled  = errors.New("forwarder disabled")
	ErrQueueFull = errors.New("forwarder queue full")
	ErrStopped   = errors.New("forwarder stopped")
)

// Config controls the async forwarding pipeline.
type Config struct {
	Enabled bool
	// URLs are shoutrrr service URLs ("ntfy://…", "pushover://…", "generic://…").
	URLs          []string
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// MinImportance drops displays below this importance ("" forwards all).
	MinImportance nudge.Importance
	// Resumed also forwards re-displays after a snooze.
	Resumed bool
}

// HistoryItem is one successfully forwarded message.
type HistoryItem struct {
	At   time.Time
	ID   string
	Text string
}

// Event types published on the bus.
const (
	EventSent    = "forward.sent"
	EventFailed  = "forward.failed"
	EventDropped = "forward.dropped"
)

// Event is the Data of forward.* bus events.
type Event struct {
	ID    string    `json:"id"`
	URL   string    `json:"url"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
