// Package engine assembles the nudge components behind the surface a host
// application talks to: direct display, dismiss, snooze, actions, rule
// updates and lifecycle subscriptions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nudge/internal/clock"
	"nudge/internal/errsink"
	"nudge/internal/eventbus"
	"nudge/internal/nudge"
	"nudge/internal/scheduler"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

// ErrStopped is returned by operations on an engine that was stopped.
var ErrStopped = errors.New("engine stopped")

// Config holds the knobs that can change at runtime plus the timezone,
// which is fixed for the engine's lifetime.
type Config struct {
	Location  *time.Location
	Scheduler scheduler.Config
	// DefaultSnooze applies when SnoozeNotification gets a non-positive duration.
	DefaultSnooze    time.Duration
	PersistCooldowns bool
}

// Deps are the engine's collaborators. Only Provider is required.
type Deps struct {
	Clock     clock.Clock
	Store     storage.Store
	Provider  scheduler.SnapshotProvider
	Navigator nudge.Navigator
	Sink      errsink.Sink
	Bus       eventbus.Bus
}

type Engine struct {
	clk  clock.Clock
	log  logx.Logger
	bus  eventbus.Bus
	sink errsink.Sink
	loc  *time.Location

	dedup     *nudge.DedupStore
	cooldowns *nudge.CooldownTracker
	mgr       *nudge.Manager
	disp      *nudge.Dispatcher
	loop      *scheduler.Loop

	snooze atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
}

func New(cfg Config, d Deps, log logx.Logger) (*Engine, error) {
	if d.Provider == nil {
		return nil, errors.New("snapshot provider required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Sink == nil {
		d.Sink = errsink.Nop
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	e := &Engine{
		clk:  d.Clock,
		log:  log,
		bus:  d.Bus,
		sink: d.Sink,
		loc:  loc,
	}
	e.snooze.Store(int64(cfg.DefaultSnooze))

	cdStore := d.Store
	if !cfg.PersistCooldowns {
		cdStore = nil
	}
	e.dedup = nudge.NewDedupStore(d.Store, func() time.Time { return e.clk.Now().In(loc) }, log.With(logx.String("comp", "dedup")))
	e.cooldowns = nudge.NewCooldownTracker(cdStore, log.With(logx.String("comp", "cooldown")))
	e.mgr = nudge.NewManager(nudge.ManagerConfig{
		DefaultSnooze: cfg.DefaultSnooze,
		OnDisplay: func(_ nudge.Payload, at time.Time) {
			e.cooldowns.NoteDisplayed(context.Background(), at)
		},
	}, e.clk, e.dedup, e.bus, e.sink, log.With(logx.String("comp", "lifecycle")))
	e.disp = nudge.NewDispatcher(e.mgr, d.Navigator, e.sink, log.With(logx.String("comp", "dispatch")))

	loop, err := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Clock:     e.clk,
		Provider:  d.Provider,
		Evaluator: trigger.NewEvaluator(loc),
		Manager:   e.mgr,
		Dedup:     e.dedup,
		Cooldowns: e.cooldowns,
		Bus:       e.bus,
		Sink:      e.sink,
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}
	e.loop = loop
	return e, nil
}

// Location is the timezone used for day-scoped ids and wall-clock windows.
func (e *Engine) Location() *time.Location { return e.loc }

// Start restores persisted cooldowns for the current rules and arms the
// scheduler. A stopped engine cannot be restarted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.running {
		return nil
	}
	e.cooldowns.Restore(ctx, ruleIDs(e.loop.Rules()))
	e.loop.Start(ctx)
	e.running = true
	return nil
}

// Stop cancels the scheduler and every display and snooze timer. Cooldown
// and dedup writes go through to storage as they happen, so nothing is left
// to flush.
func (e *Engine) Stop(_ context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.running = false
	e.mu.Unlock()

	e.loop.Stop()
	n := e.mgr.Close()
	e.log.Info("engine stopped", logx.Int("timers_cancelled", n))
	return nil
}

// ApplyRules compiles and installs a new rule set. Rule ids must be unique.
// Persisted cooldowns of newly added rules are restored when the engine runs.
func (e *Engine) ApplyRules(ctx context.Context, rules []*trigger.Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r == nil {
			return errors.New("nil rule")
		}
		if err := r.Compile(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	e.loop.SetRules(rules)

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		e.cooldowns.Restore(ctx, ruleIDs(rules))
	}
	return nil
}

// Rules returns the installed rules in evaluation order.
func (e *Engine) Rules() []*trigger.Rule { return e.loop.Rules() }

// SetConfig applies the runtime knobs. Location and PersistCooldowns are
// fixed at construction and ignored here.
func (e *Engine) SetConfig(cfg Config) {
	e.loop.SetConfig(cfg.Scheduler)
	e.snooze.Store(int64(cfg.DefaultSnooze))
}

// ShowNotification displays p directly, bypassing the cooldown gate. It
// returns false when a notification with the same id is already active.
// Missing fields are filled: a random id, the creation time and the session
// scope.
func (e *Engine) ShowNotification(p nudge.Payload) (nudge.Payload, bool) {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = "direct-" + uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.clk.Now()
	}
	if p.Scope == "" {
		p.Scope = nudge.ScopeSession
	}
	if imp, ok := nudge.ParseImportance(string(p.Importance)); ok {
		p.Importance = imp
	} else {
		p.Importance = nudge.ImportanceNormal
	}
	return p, e.mgr.Enqueue(p)
}

func (e *Engine) DismissNotification(id string) error {
	return e.mgr.Dismiss(id)
}

// SnoozeNotification hides id for d (the configured default when d <= 0)
// and re-displays it afterwards without consulting cooldowns.
func (e *Engine) SnoozeNotification(id string, d time.Duration) (nudge.SnoozeEntry, error) {
	if d <= 0 {
		d = time.Duration(e.snooze.Load())
	}
	return e.mgr.Snooze(id, d)
}

// CancelSnooze drops a pending snooze without re-displaying.
func (e *Engine) CancelSnooze(id string) bool { return e.mgr.CancelSnooze(id) }

func (e *Engine) InvokeAction(ctx context.Context, id, actionID string) error {
	return e.disp.Invoke(ctx, id, actionID)
}

// Active lists displayed notifications in display order.
func (e *Engine) Active() []nudge.Displayed { return e.mgr.Active() }

// Snoozed lists pending snoozes by resume time.
func (e *Engine) Snoozed() []nudge.SnoozeEntry { return e.mgr.Snoozed() }

// Subscribe delivers lifecycle events (event Data is a nudge.LifecycleEvent).
// Slow readers drop events; call the returned func to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return e.bus.Subscribe(buffer,
		nudge.EventDisplayed,
		nudge.EventDismissed,
		nudge.EventExpired,
		nudge.EventSnoozed,
		nudge.EventResumed,
		nudge.EventAction,
		nudge.EventRejected,
	)
}

// TickNow runs one evaluation over every rule outside the group timers.
func (e *Engine) TickNow(ctx context.Context) { e.loop.TickNow(ctx) }

func (e *Engine) Stats() scheduler.Stats { return e.loop.Stats() }

// Cooldowns returns a copy of the cooldown state.
func (e *Engine) Cooldowns() nudge.CooldownState { return e.cooldowns.State() }

func ruleIDs(rules []*trigger.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}
