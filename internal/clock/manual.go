package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when told to.
//
// Timers fire synchronously inside Advance/Set, in deadline order (ties in
// creation order). While a callback runs, Now() reports that timer's deadline,
// so callbacks observe the instant they were scheduled for. Callbacks may
// schedule or stop other timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m   *Manual
	at  time.Time
	seq uint64
	fn  func()
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t (forward or backward), firing timers due at or
// before t. Moving backward fires nothing.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		next := m.popDueLocked(t)
		if next == nil {
			m.now = t
			m.mu.Unlock()
			return
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

func (m *Manual) popDueLocked(limit time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	first := m.timers[0]
	if first.at.After(limit) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}
