// Package snapshot provides the state snapshot providers the scheduler pulls
// from: an in-memory store fed by the host process, and a file the host
// rewrites whenever its state changes.
package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nudge/internal/trigger"
)

// DefaultEventRetention bounds how long Memory keeps recorded events.
const DefaultEventRetention = 24 * time.Hour

// Memory is a mutable in-process snapshot source.
type Memory struct {
	mu        sync.RWMutex
	now       func() time.Time
	retention time.Duration
	states    map[string]trigger.StateValue
	events    []trigger.Event
	sessions  []trigger.Session
	lowStim   bool
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, retention: DefaultEventRetention, states: map[string]trigger.StateValue{}}
}

// SetRetention changes how long events are kept (<= 0 restores the default).
func (m *Memory) SetRetention(d time.Duration) {
	if d <= 0 {
		d = DefaultEventRetention
	}
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// SetState records a state value. The onset time only moves when the value
// actually changes.
func (m *Memory) SetState(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[name]; ok && cur.Value == value {
		return
	}
	m.states[name] = trigger.StateValue{Value: value, Since: m.now()}
}

// ClearState forgets a named state.
func (m *Memory) ClearState(name string) {
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
}

// RecordEvent appends an external event. A zero At means now.
func (m *Memory) RecordEvent(ev trigger.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.events = append(m.events, ev)
	m.pruneLocked()
}

// SetSessions replaces the scheduled sessions.
func (m *Memory) SetSessions(sessions []trigger.Session) {
	cp := append([]trigger.Session(nil), sessions...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].At.Before(cp[j].At) })
	m.mu.Lock()
	m.sessions = cp
	m.mu.Unlock()
}

// SetLowStimulation toggles low-stimulation mode.
func (m *Memory) SetLowStimulation(on bool) {
	m.mu.Lock()
	m.lowStim = on
	m.mu.Unlock()
}

func (m *Memory) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	kept := m.events[:0]
	for _, ev := range m.events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	m.events = kept
}

// Snapshot returns a copy of the current state.
func (m *Memory) Snapshot(ctx context.Context) (trigger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return trigger.Snapshot{}, err
	}
	m.mu.Lock()
	m.pruneLocked()
	snap := trigger.Snapshot{
		States:         make(map[string]trigger.StateValue, len(m.states)),
		Events:         append([]trigger.Event(nil), m.events...),
		Sessions:       append([]trigger.Session(nil), m.sessions...),
		LowStimulation: m.lowStim,
	}
	for k, v := range m.states {
		snap.States[k] = v
	}
	m.mu.Unlock()
	return snap, nil
}
