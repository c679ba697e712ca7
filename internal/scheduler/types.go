package scheduler

import (
	"context"
	"time"

	"nudge/internal/trigger"
)

// SnapshotProvider supplies the host state read at every tick.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (trigger.Snapshot, error)
}

// SnapshotFunc adapts a function to SnapshotProvider.
type SnapshotFunc func(ctx context.Context) (trigger.Snapshot, error)

func (f SnapshotFunc) Snapshot(ctx context.Context) (trigger.Snapshot, error) { return f(ctx) }

// Config holds the admission knobs.
type Config struct {
	// GlobalMinInterval is the minimum gap between any two displays.
	GlobalMinInterval time.Duration
	// LowStimulationMinInterval replaces GlobalMinInterval while the snapshot
	// reports low-stimulation mode. Zero keeps GlobalMinInterval.
	LowStimulationMinInterval time.Duration
	// SnapshotTimeout bounds a single snapshot pull.
	SnapshotTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 5 * time.Second
	}
	return c
}

// MinInterval picks the global interval for the given mode.
func (c Config) MinInterval(lowStimulation bool) time.Duration {
	if lowStimulation && c.LowStimulationMinInterval > 0 {
		return c.LowStimulationMinInterval
	}
	return c.GlobalMinInterval
}

// Rejection reasons carried on nudge.rejected events.
const (
	ReasonActive   = "active"
	ReasonFired    = "already_fired"
	ReasonCooldown = "cooldown"
)

// Stats is a point-in-time view of loop counters.
type Stats struct {
	Running  bool
	Groups   map[time.Duration]int // interval → rule count
	Ticks    uint64
	Skipped  uint64 // ticks skipped on snapshot errors or panics
	Admitted uint64
	Rejected uint64
	Dropped  uint64 // admitted but refused by the lifecycle manager
}
