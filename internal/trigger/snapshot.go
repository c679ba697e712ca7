package trigger

import "time"

// StateValue is the current value of a named state ("energy" → "low").
type StateValue struct {
	Value string `json:"value" yaml:"value"`
	// Since is when Value was entered, if the provider knows it. It takes
	// precedence over the evaluator's own observations.
	Since time.Time `json:"since,omitempty" yaml:"since,omitempty"`
}

// Event is an external occurrence such as a habit or todo completion.
type Event struct {
	ID   string    `json:"id,omitempty" yaml:"id,omitempty"`
	Kind string    `json:"kind" yaml:"kind"`
	At   time.Time `json:"at" yaml:"at"`
}

// Session is a scheduled session (focus block, meditation, workout).
type Session struct {
	Name string    `json:"name" yaml:"name"`
	At   time.Time `json:"at" yaml:"at"`
}

// Snapshot is the read-only view of the host's state pulled once per tick.
type Snapshot struct {
	States   map[string]StateValue `json:"states,omitempty" yaml:"states,omitempty"`
	Events   []Event               `json:"events,omitempty" yaml:"events,omitempty"`
	Sessions []Session             `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	// LowStimulation selects the longer global minimum interval.
	LowStimulation bool `json:"low_stimulation,omitempty" yaml:"low_stimulation,omitempty"`
}
