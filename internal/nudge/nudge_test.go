package nudge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nudge/internal/clock"
	"nudge/internal/errsink"
	"nudge/internal/eventbus"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *recordingSink) Report(err error, _ ...logx.Field) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func newTestManager(t *testing.T, clk *clock.Manual, store storage.Store, sink errsink.Sink) (*Manager, *DedupStore) {
	t.Helper()
	dedup := NewDedupStore(store, clk.Now, logx.Nop())
	m := NewManager(ManagerConfig{}, clk, dedup, eventbus.New(), sink, logx.Nop())
	t.Cleanup(func() { m.Close() })
	return m, dedup
}

func TestCooldownAdmitRespectsPerRuleAndGlobal(t *testing.T) {
	t.Parallel()
	var s CooldownState
	c := Candidate{RuleID: "r1", Cooldown: 10 * time.Minute}

	if !s.Admit(c, t0, time.Minute) {
		t.Fatal("first candidate should be admitted")
	}
	if s.Admit(c, t0.Add(5*time.Minute), time.Minute) {
		t.Fatal("per-rule cooldown should reject at +5m")
	}
	if !s.PerRule["r1"].Equal(t0) {
		t.Fatalf("rejection must not move per-rule timestamp, got %v", s.PerRule["r1"])
	}
	if s.Admit(Candidate{RuleID: "r2"}, t0.Add(30*time.Second), time.Minute) {
		t.Fatal("global minimum interval should reject other rules at +30s")
	}
	if !s.Admit(Candidate{RuleID: "r2"}, t0.Add(time.Minute), time.Minute) {
		t.Fatal("other rule should pass after the global interval")
	}
	if !s.Admit(c, t0.Add(10*time.Minute), time.Minute) {
		t.Fatal("cooldown boundary is inclusive")
	}
}

func TestCooldownRejectionLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	s := CooldownState{GlobalLastFired: t0, PerRule: map[string]time.Time{"r1": t0}}
	before := s.clone()
	if s.Admit(Candidate{RuleID: "r1", Cooldown: time.Hour}, t0.Add(2*time.Hour), 3*time.Hour) {
		t.Fatal("global interval should reject")
	}
	if !s.GlobalLastFired.Equal(before.GlobalLastFired) || !s.PerRule["r1"].Equal(before.PerRule["r1"]) {
		t.Fatalf("state changed on rejection: %+v", s)
	}
}

func TestCooldownTrackerRestoreAcrossRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()

	tr := NewCooldownTracker(store, logx.Nop())
	if !tr.Admit(ctx, Candidate{RuleID: "hydrate", Cooldown: time.Hour}, t0, 0) {
		t.Fatal("expected admission")
	}

	restarted := NewCooldownTracker(store, logx.Nop())
	restarted.Restore(ctx, []string{"hydrate", "other"})
	if restarted.Admit(ctx, Candidate{RuleID: "hydrate", Cooldown: time.Hour}, t0.Add(30*time.Minute), 0) {
		t.Fatal("restored cooldown should still reject")
	}
	st := restarted.State()
	if !st.GlobalLastFired.Equal(t0) {
		t.Fatalf("GlobalLastFired = %v, want %v", st.GlobalLastFired, t0)
	}
	if _, ok := st.PerRule["other"]; ok {
		t.Fatal("rule without persisted value should stay absent")
	}
}

func TestNoteDisplayedOnlyMovesForward(t *testing.T) {
	t.Parallel()
	tr := NewCooldownTracker(nil, logx.Nop())
	tr.NoteDisplayed(context.Background(), t0.Add(time.Minute))
	tr.NoteDisplayed(context.Background(), t0)
	if got := tr.State().GlobalLastFired; !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("GlobalLastFired = %v", got)
	}
}

func TestDedupDayScopeSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	id := DayID("morning", t0)

	d1 := NewDedupStore(store, func() time.Time { return t0 }, logx.Nop())
	d1.MarkFired(ctx, id, ScopeDay)
	d1.MarkFired(ctx, "focus-1", ScopeSession)

	d2 := NewDedupStore(store, func() time.Time { return t0 }, logx.Nop())
	if !d2.HasFired(ctx, id) {
		t.Fatalf("day id %q should be remembered after restart", id)
	}
	if d2.HasFired(ctx, "focus-1") {
		t.Fatal("session id must not survive a restart")
	}
	if d2.HasFired(ctx, DayID("morning", t0.Add(24*time.Hour))) {
		t.Fatal("next day's id should be fresh")
	}
}

func TestDedupMalformedMarkerIsNotFired(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.Set(ctx, firedKeyPrefix+"x-2024-03-01", "garbage"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	d := NewDedupStore(store, nil, logx.Nop())
	if d.HasFired(ctx, "x-2024-03-01") {
		t.Fatal("malformed marker should be treated as absent")
	}
}

func TestDedupFailingStoreFallsBackToMemory(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	_ = store.Close()
	ctx := context.Background()
	d := NewDedupStore(store, nil, logx.Nop())
	d.MarkFired(ctx, "a-2024-03-01", ScopeDay)
	if !d.HasFired(ctx, "a-2024-03-01") {
		t.Fatal("in-memory marker should hold when persistence fails")
	}
}

func TestDayIDUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	at := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	if got := DayID("r", at.In(loc)); got != "r-2024-03-02" {
		t.Fatalf("DayID = %q", got)
	}
}

func TestManagerAutoExpiresAtDuration(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, dedup := newTestManager(t, clk, nil, nil)

	p := Payload{ID: "r-1", RuleID: "r", Title: "hi", Importance: ImportanceLow, Scope: ScopeSession}
	if !m.Enqueue(p) {
		t.Fatal("Enqueue returned false")
	}
	act := m.Active()
	if len(act) != 1 || !act[0].ExpiresAt.Equal(t0.Add(8*time.Second)) {
		t.Fatalf("unexpected active set: %+v", act)
	}

	clk.Advance(7999 * time.Millisecond)
	if !m.IsActive("r-1") {
		t.Fatal("expired too early")
	}
	clk.Advance(time.Millisecond)
	if m.IsActive("r-1") {
		t.Fatal("should expire at displayedAt+8000ms")
	}
	if !dedup.HasFired(context.Background(), "r-1") {
		t.Fatal("expiry should mark the id fired")
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestManagerDuplicateEnqueueIsNoop(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)

	if !m.Enqueue(Payload{ID: "dup", Title: "first", Duration: time.Second}) {
		t.Fatal("first enqueue should succeed")
	}
	if m.Enqueue(Payload{ID: "dup", Title: "second", Duration: time.Hour}) {
		t.Fatal("second enqueue should be ignored")
	}
	p, _ := m.Lookup("dup")
	if p.Title != "first" {
		t.Fatalf("Title = %q, first occurrence should win", p.Title)
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
}

func TestManagerDismiss(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, EventDismissed)
	defer unsub()
	m := NewManager(ManagerConfig{}, clk, nil, bus, nil, logx.Nop())
	defer m.Close()

	m.Enqueue(Payload{ID: "a", RuleID: "r"})
	if err := m.Dismiss("a"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if err := m.Dismiss("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Dismiss err = %v, want ErrNotFound", err)
	}
	if clk.Pending() != 0 {
		t.Fatal("dismiss should cancel the expiry timer")
	}
	select {
	case ev := <-ch:
		le := ev.Data.(LifecycleEvent)
		if le.ID != "a" || le.State != StateDismissed {
			t.Fatalf("unexpected event: %+v", le)
		}
	default:
		t.Fatal("expected a dismissed event")
	}
}

func TestManagerSnoozeResumesVerbatim(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	var displays []time.Time
	m := NewManager(ManagerConfig{OnDisplay: func(_ Payload, at time.Time) { displays = append(displays, at) }},
		clk, nil, eventbus.New(), nil, logx.Nop())
	defer m.Close()

	p := Payload{ID: "s-1", RuleID: "s", Title: "Stand up", Message: "m",
		Actions: []Action{{ID: "ok", Label: "OK"}}, Duration: 12 * time.Second}
	m.Enqueue(p)
	entry, err := m.Snooze("s-1", 0)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if want := t0.Add(1_200_000 * time.Millisecond); !entry.ResumeAt.Equal(want) {
		t.Fatalf("ResumeAt = %v, want %v", entry.ResumeAt, want)
	}
	if m.IsActive("s-1") {
		t.Fatal("snoozed notification should not be active")
	}
	if got := m.Snoozed(); len(got) != 1 || got[0].NotificationID != "s-1" {
		t.Fatalf("Snoozed() = %+v", got)
	}

	clk.Advance(20*time.Minute - time.Millisecond)
	if m.IsActive("s-1") {
		t.Fatal("resumed too early")
	}
	clk.Advance(time.Millisecond)
	got, ok := m.Lookup("s-1")
	if !ok {
		t.Fatal("payload should be re-displayed after the snooze")
	}
	if got.Title != p.Title || got.Message != p.Message || len(got.Actions) != 1 || got.Duration != p.Duration {
		t.Fatalf("resumed payload differs: %+v", got)
	}
	if len(displays) != 2 || !displays[1].Equal(t0.Add(20*time.Minute)) {
		t.Fatalf("display times = %v", displays)
	}
	if len(m.Snoozed()) != 0 {
		t.Fatal("snooze entry should be consumed")
	}
}

func TestManagerCancelSnooze(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)
	m.Enqueue(Payload{ID: "c"})
	if _, err := m.Snooze("c", time.Minute); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if !m.CancelSnooze("c") {
		t.Fatal("CancelSnooze should find the entry")
	}
	clk.Advance(time.Hour)
	if m.IsActive("c") {
		t.Fatal("cancelled snooze must not resume")
	}
}

func TestManagerCloseCancelsTimers(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m := NewManager(ManagerConfig{}, clk, nil, nil, nil, logx.Nop())
	m.Enqueue(Payload{ID: "a"})
	m.Enqueue(Payload{ID: "b"})
	_, _ = m.Snooze("b", time.Minute)

	if n := m.Close(); n != 2 {
		t.Fatalf("Close cancelled %d timers, want 2", n)
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d after Close", clk.Pending())
	}
	if m.Enqueue(Payload{ID: "c"}) {
		t.Fatal("enqueue after Close should be ignored")
	}
	if len(m.Active()) != 0 {
		t.Fatal("active set should be empty after Close")
	}
}

func TestStaleExpiryDoesNotRetireRedisplay(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)

	m.Enqueue(Payload{ID: "x", Duration: 10 * time.Second})
	_ = m.Dismiss("x")
	clk.Advance(5 * time.Second)
	m.Enqueue(Payload{ID: "x", Duration: 10 * time.Second})
	clk.Advance(6 * time.Second)
	if !m.IsActive("x") {
		t.Fatal("old expiry must not retire the new display")
	}
	clk.Advance(4 * time.Second)
	if m.IsActive("x") {
		t.Fatal("new display should expire at its own deadline")
	}
}

func TestDispatcherRunsHandlerAndDismisses(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)
	var screens []string
	nav := NavigatorFunc(func(_ context.Context, screen string) error {
		screens = append(screens, screen)
		return nil
	})
	d := NewDispatcher(m, nav, nil, logx.Nop())

	m.Enqueue(Payload{ID: "n", Actions: []Action{{ID: "open", Label: "Open", Navigate: "stats"}}})
	if err := d.Invoke(context.Background(), "n", "open"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(screens) != 1 || screens[0] != "stats" {
		t.Fatalf("screens = %v", screens)
	}
	if m.IsActive("n") {
		t.Fatal("notification should be dismissed after the action")
	}
}

func TestDispatcherUnknownIDs(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)
	d := NewDispatcher(m, nil, nil, logx.Nop())

	if err := d.Invoke(context.Background(), "missing", "ok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	m.Enqueue(Payload{ID: "n", Actions: []Action{{ID: "ok"}}})
	if err := d.Invoke(context.Background(), "n", "nope"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
	if !m.IsActive("n") {
		t.Fatal("unknown action must not dismiss")
	}
}

func TestDispatcherHandlerFailureStillDismisses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		run  HandlerFunc
	}{
		{name: "error", run: func(context.Context, Payload) error { return errors.New("boom") }},
		{name: "panic", run: func(context.Context, Payload) error { panic("kaboom") }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewManual(t0)
			sink := &recordingSink{}
			m, _ := newTestManager(t, clk, nil, sink)
			d := NewDispatcher(m, nil, sink, logx.Nop())

			m.Enqueue(Payload{ID: "n", Actions: []Action{{ID: "go", Run: tt.run}}})
			if err := d.Invoke(context.Background(), "n", "go"); err != nil {
				t.Fatalf("Invoke returned %v; handler failures are isolated", err)
			}
			if m.IsActive("n") {
				t.Fatal("notification should be dismissed despite the failure")
			}
			if sink.count() != 1 {
				t.Fatalf("sink reports = %d, want 1", sink.count())
			}
		})
	}
}

func TestManagerSnoozeAfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(t0)
	m, _ := newTestManager(t, clk, nil, nil)
	m.Enqueue(Payload{ID: "n1", Title: "x"})
	m.Close()

	if _, err := m.Snooze("n1", 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Snooze after Close err = %v, want ErrClosed", err)
	}
	if _, err := m.Snooze("unknown", time.Minute); !errors.Is(err, ErrClosed) {
		t.Fatalf("Snooze of unknown id after Close err = %v, want ErrClosed", err)
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateDisplayed, false},
		{StateSnoozed, false},
		{StateDismissed, true},
		{StateExpired, true},
		{StateActionTaken, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Fatalf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCooldownTrackerAllowsThenCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	tr := NewCooldownTracker(store, logx.Nop())
	c := Candidate{RuleID: "hydrate", Cooldown: time.Hour}

	if !tr.Allows(c, t0, time.Minute) || !tr.Allows(c, t0, time.Minute) {
		t.Fatal("Allows must not record anything")
	}
	if _, ok, _ := store.Get(ctx, cooldownRulePfx+"hydrate"); ok {
		t.Fatal("Allows persisted a timestamp")
	}

	tr.Commit(ctx, c, t0)
	if tr.Allows(c, t0.Add(30*time.Minute), 0) {
		t.Fatal("per-rule cooldown ignored after Commit")
	}
	if got := tr.State().GlobalLastFired; !got.Equal(t0) {
		t.Fatalf("GlobalLastFired = %v", got)
	}
	if _, ok, _ := store.Get(ctx, cooldownRulePfx+"hydrate"); !ok {
		t.Fatal("Commit did not persist the rule timestamp")
	}
}
