package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"nudge/internal/clock"
	"nudge/internal/nudge"
	"nudge/internal/scheduler"
	"nudge/internal/snapshot"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk  *clock.Manual
	snap *snapshot.Memory
	eng  *Engine
}

func newFixture(t *testing.T, cfg Config, store storage.Store, nav nudge.Navigator) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewManual(t0)}
	f.snap = snapshot.NewMemory(f.clk.Now)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	eng, err := New(cfg, Deps{
		Clock:     f.clk,
		Store:     store,
		Provider:  f.snap,
		Navigator: nav,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.eng = eng
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return f
}

func recencyRule(id string, cooldown time.Duration) *trigger.Rule {
	return &trigger.Rule{
		ID:       id,
		Kind:     trigger.KindEventRecency,
		Event:    "task_done",
		Recency:  30 * time.Minute,
		Cooldown: cooldown,
		Title:    "Nice work",
		Message:  "Finished {{event}}",
	}
}

func TestShowNotificationBypassesCooldownButMovesGlobal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Scheduler: scheduler.Config{GlobalMinInterval: 10 * time.Minute}}, nil, nil)
	if err := f.eng.ApplyRules(context.Background(), []*trigger.Rule{recencyRule("done", 0)}); err != nil {
		t.Fatalf("ApplyRules: %v", err)
	}

	p, ok := f.eng.ShowNotification(nudge.Payload{Title: "Hello"})
	if !ok {
		t.Fatalf("direct show rejected")
	}
	if p.ID == "" || p.Scope != nudge.ScopeSession || p.Importance != nudge.ImportanceNormal {
		t.Fatalf("defaults not filled: %+v", p)
	}
	if _, ok := f.eng.ShowNotification(p); ok {
		t.Fatalf("second show of an active id accepted")
	}
	if got := f.eng.Cooldowns().GlobalLastFired; !got.Equal(t0) {
		t.Fatalf("global last fired=%v want %v", got, t0)
	}

	// A rule candidate inside the global interval is held back.
	f.snap.RecordEvent(trigger.Event{ID: "e1", Kind: "task_done"})
	f.eng.TickNow(context.Background())
	if n := len(f.eng.Active()); n != 1 {
		t.Fatalf("active=%d want 1", n)
	}
	if st := f.eng.Stats(); st.Rejected != 1 || st.Admitted != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSnoozeUsesConfiguredDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultSnooze: 5 * time.Minute}, nil, nil)
	p, _ := f.eng.ShowNotification(nudge.Payload{ID: "n1", Title: "x", Duration: time.Hour})

	entry, err := f.eng.SnoozeNotification(p.ID, 0)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if want := t0.Add(5 * time.Minute); !entry.ResumeAt.Equal(want) {
		t.Fatalf("resume=%v want %v", entry.ResumeAt, want)
	}
	if len(f.eng.Active()) != 0 || len(f.eng.Snoozed()) != 1 {
		t.Fatalf("active=%d snoozed=%d", len(f.eng.Active()), len(f.eng.Snoozed()))
	}

	f.clk.Advance(5 * time.Minute)
	if len(f.eng.Active()) != 1 {
		t.Fatalf("snoozed notification not resumed")
	}

	f.eng.SetConfig(Config{DefaultSnooze: 2 * time.Minute})
	entry, err = f.eng.SnoozeNotification(p.ID, 0)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if want := f.clk.Now().Add(2 * time.Minute); !entry.ResumeAt.Equal(want) {
		t.Fatalf("resume after SetConfig=%v want %v", entry.ResumeAt, want)
	}
	if !f.eng.CancelSnooze(p.ID) {
		t.Fatalf("CancelSnooze=false")
	}
}

func TestCooldownsSurviveRestart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		persist bool
		want    uint64
	}{
		{"persisted", true, 0},
		{"not persisted", false, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := storage.NewMemory()
			cfg := Config{PersistCooldowns: tt.persist}

			first := newFixture(t, cfg, store, nil)
			if err := first.eng.ApplyRules(context.Background(), []*trigger.Rule{recencyRule("done", time.Hour)}); err != nil {
				t.Fatalf("ApplyRules: %v", err)
			}
			first.snap.RecordEvent(trigger.Event{ID: "e1", Kind: "task_done"})
			first.eng.TickNow(context.Background())
			if st := first.eng.Stats(); st.Admitted != 1 {
				t.Fatalf("first run admitted=%d", st.Admitted)
			}
			_ = first.eng.Stop(context.Background())

			second := newFixture(t, cfg, store, nil)
			second.clk.Set(t0.Add(10 * time.Minute))
			if err := second.eng.ApplyRules(context.Background(), []*trigger.Rule{recencyRule("done", time.Hour)}); err != nil {
				t.Fatalf("ApplyRules: %v", err)
			}
			if err := second.eng.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			second.snap.RecordEvent(trigger.Event{ID: "e2", Kind: "task_done"})
			second.eng.TickNow(context.Background())
			if st := second.eng.Stats(); st.Admitted != tt.want {
				t.Fatalf("second run admitted=%d want %d", st.Admitted, tt.want)
			}
		})
	}
}

func TestStopCancelsTimersAndIsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil, nil)
	if err := f.eng.ApplyRules(context.Background(), []*trigger.Rule{recencyRule("done", 0)}); err != nil {
		t.Fatalf("ApplyRules: %v", err)
	}
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.eng.ShowNotification(nudge.Payload{ID: "a", Title: "x"})
	b, _ := f.eng.ShowNotification(nudge.Payload{ID: "b", Title: "y"})
	if _, err := f.eng.SnoozeNotification(b.ID, time.Minute); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if f.clk.Pending() == 0 {
		t.Fatalf("expected armed timers")
	}

	if err := f.eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("pending timers after Stop=%d", n)
	}
	if err := f.eng.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop err=%v", err)
	}
	if _, ok := f.eng.ShowNotification(nudge.Payload{ID: "c", Title: "z"}); ok {
		t.Fatalf("show after Stop accepted")
	}
	if _, err := f.eng.SnoozeNotification("a", 0); !errors.Is(err, nudge.ErrClosed) {
		t.Fatalf("snooze after Stop err=%v want ErrClosed", err)
	}
}

func TestApplyRulesRejectsInvalidSets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil, nil)
	err := f.eng.ApplyRules(context.Background(), []*trigger.Rule{recencyRule("a", 0), recencyRule("a", 0)})
	if err == nil {
		t.Fatalf("duplicate ids accepted")
	}
	bad := recencyRule("b", 0)
	bad.Recency = 0
	if err := f.eng.ApplyRules(context.Background(), []*trigger.Rule{bad}); err == nil {
		t.Fatalf("invalid rule accepted")
	}
	if n := len(f.eng.Rules()); n != 0 {
		t.Fatalf("rules installed after failed apply: %d", n)
	}
}

func TestInvokeActionNavigatesAndPublishes(t *testing.T) {
	t.Parallel()

	var screen string
	nav := nudge.NavigatorFunc(func(_ context.Context, s string) error {
		screen = s
		return nil
	})
	f := newFixture(t, Config{}, nil, nav)
	events, unsub := f.eng.Subscribe(8)
	defer unsub()

	f.eng.ShowNotification(nudge.Payload{
		ID:      "n1",
		Title:   "Stretch",
		Actions: []nudge.Action{{ID: "open", Label: "Open", Navigate: "/stretch"}},
	})
	if err := f.eng.InvokeAction(context.Background(), "n1", "open"); err != nil {
		t.Fatalf("InvokeAction: %v", err)
	}
	if screen != "/stretch" {
		t.Fatalf("navigated to %q", screen)
	}
	if len(f.eng.Active()) != 0 {
		t.Fatalf("notification still active after action")
	}
	if err := f.eng.DismissNotification("n1"); !errors.Is(err, nudge.ErrNotFound) {
		t.Fatalf("dismiss after action err=%v", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != nudge.EventDisplayed || types[1] != nudge.EventAction {
		t.Fatalf("events=%v", types)
	}
}
