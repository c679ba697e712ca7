// Package clock abstracts the time source so the nudge engine can be driven
// deterministically in tests.
package clock

import "time"

// Timer is a cancellable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call stopped
	// the timer (false if it already fired or was stopped).
	Stop() bool
}

// Clock is the engine's only source of "now" and of deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}
