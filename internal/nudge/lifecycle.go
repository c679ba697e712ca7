package nudge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"nudge/internal/clock"
	"nudge/internal/errsink"
	"nudge/internal/eventbus"
	logx "nudge/pkg/logx"
)

// DefaultSnooze is used when Snooze is called with a non-positive duration.
const DefaultSnooze = 20 * time.Minute

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	// DefaultSnooze overrides DefaultSnooze when > 0.
	DefaultSnooze time.Duration
	// OnDisplay runs after every successful display, outside the manager lock.
	OnDisplay func(p Payload, at time.Time)
}

type active struct {
	payload     Payload
	displayedAt time.Time
	expiresAt   time.Time
	timer       clock.Timer
	ver         uint64
}

type snoozed struct {
	entry SnoozeEntry
	timer clock.Timer
	ver   uint64
}

// Manager owns the active notification set.
//
// Every timer it arms is registered under the notification id together with
// a version number; a callback whose version no longer matches the registry
// is stale and does nothing.
type Manager struct {
	mu sync.Mutex

	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	sink  errsink.Sink
	dedup *DedupStore
	cfg   ManagerConfig

	order   []string // display order of active ids
	active  map[string]*active
	snoozes map[string]*snoozed
	ver     uint64
	closed  bool
}

func NewManager(cfg ManagerConfig, clk clock.Clock, dedup *DedupStore, bus eventbus.Bus, sink errsink.Sink, log logx.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = errsink.Nop
	}
	if dedup == nil {
		dedup = NewDedupStore(nil, clk.Now, log)
	}
	if cfg.DefaultSnooze <= 0 {
		cfg.DefaultSnooze = DefaultSnooze
	}
	return &Manager{
		clk:     clk,
		log:     log,
		bus:     bus,
		sink:    sink,
		dedup:   dedup,
		cfg:     cfg,
		active:  map[string]*active{},
		snoozes: map[string]*snoozed{},
	}
}

// Enqueue displays p and arms its auto-expiry timer. It returns false when an
// entry with the same id is already active (first occurrence wins) or the
// manager is closed.
func (m *Manager) Enqueue(p Payload) bool {
	return m.enqueue(p, EventDisplayed)
}

func (m *Manager) enqueue(p Payload, evType string) bool {
	p = p.clone()
	if p.ID == "" {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, dup := m.active[p.ID]; dup {
		m.mu.Unlock()
		m.log.Debug("duplicate enqueue ignored", logx.String("id", p.ID))
		return false
	}

	now := m.clk.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Duration <= 0 {
		p.Duration = p.Importance.DefaultDuration()
	}
	m.ver++
	a := &active{payload: p, displayedAt: now, expiresAt: now.Add(p.Duration), ver: m.ver}
	id, ver := p.ID, a.ver
	a.timer = m.clk.AfterFunc(p.Duration, func() { m.expire(id, ver) })
	m.active[id] = a
	m.order = append(m.order, id)
	onDisplay := m.cfg.OnDisplay
	m.mu.Unlock()

	m.log.Debug("notification displayed", logx.String("id", id), logx.String("rule", p.RuleID), logx.Duration("duration", p.Duration))
	m.publish(evType, LifecycleEvent{ID: id, RuleID: p.RuleID, State: StateDisplayed, Title: p.Title, Message: p.Message, Importance: p.Importance, At: now})
	if onDisplay != nil {
		m.guard("on_display", id, func() { onDisplay(p, now) })
	}
	return true
}

// Dismiss retires an active notification and marks its id fired.
func (m *Manager) Dismiss(id string) error {
	p, at, ok := m.retire(id, 0)
	if !ok {
		return ErrNotFound
	}
	m.dedup.MarkFired(context.Background(), p.ID, p.Scope)
	m.publish(EventDismissed, LifecycleEvent{ID: p.ID, RuleID: p.RuleID, State: StateDismissed, At: at})
	return nil
}

// Snooze dismisses the notification now and re-displays the identical payload
// after d (DefaultSnooze when d <= 0). The resume skips cooldown and dedup.
// A closed manager returns ErrClosed.
func (m *Manager) Snooze(id string, d time.Duration) (SnoozeEntry, error) {
	if d <= 0 {
		d = m.cfg.DefaultSnooze
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return SnoozeEntry{}, ErrClosed
	}
	p, at, ok := m.retire(id, 0)
	if !ok {
		return SnoozeEntry{}, ErrNotFound
	}
	m.dedup.MarkFired(context.Background(), p.ID, p.Scope)

	entry := SnoozeEntry{NotificationID: p.ID, ResumeAt: at.Add(d), Payload: p}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SnoozeEntry{}, ErrClosed
	}
	if prev := m.snoozes[p.ID]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	m.ver++
	s := &snoozed{entry: entry, ver: m.ver}
	ver := s.ver
	s.timer = m.clk.AfterFunc(d, func() { m.resume(p.ID, ver) })
	m.snoozes[p.ID] = s
	m.mu.Unlock()

	m.publish(EventSnoozed, LifecycleEvent{ID: p.ID, RuleID: p.RuleID, State: StateSnoozed, At: at, ResumeAt: entry.ResumeAt})
	return entry, nil
}

// CancelSnooze drops a pending snooze so the payload never returns.
func (m *Manager) CancelSnooze(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snoozes[id]
	if s == nil {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(m.snoozes, id)
	return true
}

// completeAction retires id after its action handler ran.
func (m *Manager) completeAction(id, actionID string) bool {
	p, at, ok := m.retire(id, 0)
	if !ok {
		return false
	}
	m.dedup.MarkFired(context.Background(), p.ID, p.Scope)
	m.publish(EventAction, LifecycleEvent{ID: p.ID, RuleID: p.RuleID, State: StateActionTaken, ActionID: actionID, At: at})
	return true
}

func (m *Manager) expire(id string, ver uint64) {
	m.guard("expire", id, func() {
		p, at, ok := m.retire(id, ver)
		if !ok {
			return
		}
		m.dedup.MarkFired(context.Background(), p.ID, p.Scope)
		m.publish(EventExpired, LifecycleEvent{ID: p.ID, RuleID: p.RuleID, State: StateExpired, At: at})
	})
}

func (m *Manager) resume(id string, ver uint64) {
	m.guard("resume", id, func() {
		m.mu.Lock()
		s := m.snoozes[id]
		if m.closed || s == nil || s.ver != ver {
			m.mu.Unlock()
			return
		}
		delete(m.snoozes, id)
		m.mu.Unlock()
		if !m.enqueue(s.entry.Payload, EventResumed) {
			m.log.Debug("snooze resume skipped; id already active", logx.String("id", id))
		}
	})
}

// retire removes id from the active set. ver 0 matches any version.
func (m *Manager) retire(id string, ver uint64) (Payload, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active[id]
	if a == nil || (ver != 0 && a.ver != ver) {
		return Payload{}, time.Time{}, false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(m.active, id)
	for i, x := range m.order {
		if x == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return a.payload, m.clk.Now(), true
}

// Lookup returns the active payload for id.
func (m *Manager) Lookup(id string) (Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active[id]
	if a == nil {
		return Payload{}, false
	}
	return a.payload.clone(), true
}

// IsActive reports whether id is currently displayed.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Active returns the displayed notifications in display order.
func (m *Manager) Active() []Displayed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Displayed, 0, len(m.order))
	for _, id := range m.order {
		a := m.active[id]
		out = append(out, Displayed{Payload: a.payload.clone(), DisplayedAt: a.displayedAt, ExpiresAt: a.expiresAt})
	}
	return out
}

// Snoozed returns pending snoozes ordered by resume time.
func (m *Manager) Snoozed() []SnoozeEntry {
	m.mu.Lock()
	out := make([]SnoozeEntry, 0, len(m.snoozes))
	for _, s := range m.snoozes {
		e := s.entry
		e.Payload = e.Payload.clone()
		out = append(out, e)
	}
	m.mu.Unlock()
	sortSnoozes(out)
	return out
}

// Close cancels every expiry and snooze timer and clears all state. Further
// enqueues are ignored.
func (m *Manager) Close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	m.closed = true
	n := 0
	for _, a := range m.active {
		if a.timer != nil && a.timer.Stop() {
			n++
		}
	}
	for _, s := range m.snoozes {
		if s.timer != nil && s.timer.Stop() {
			n++
		}
	}
	m.active = map[string]*active{}
	m.snoozes = map[string]*snoozed{}
	m.order = nil
	m.log.Debug("lifecycle manager closed", logx.Int("timers_cancelled", n))
	return n
}

func (m *Manager) publish(typ string, ev LifecycleEvent) {
	if ev.State.Terminal() {
		m.log.Debug("notification retired", logx.String("id", ev.ID), logx.String("state", string(ev.State)))
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// guard isolates a timer callback: a panic is reported, never propagated.
func (m *Manager) guard(op, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.sink.Report(fmt.Errorf("%s panicked: %v", op, r),
				logx.String("notification_id", id), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func sortSnoozes(s []SnoozeEntry) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].ResumeAt.Equal(s[j].ResumeAt) {
			return s[i].NotificationID < s[j].NotificationID
		}
		return s[i].ResumeAt.Before(s[j].ResumeAt)
	})
}
