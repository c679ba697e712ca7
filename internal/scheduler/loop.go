package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nudge/internal/clock"
	"nudge/internal/errsink"
	"nudge/internal/eventbus"
	"nudge/internal/nudge"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

// Deps are the components a tick drives.
type Deps struct {
	Clock     clock.Clock
	Provider  SnapshotProvider
	Evaluator *trigger.Evaluator
	Manager   *nudge.Manager
	Dedup     *nudge.DedupStore
	Cooldowns *nudge.CooldownTracker
	Bus       eventbus.Bus
	Sink      errsink.Sink
}

type group struct {
	every time.Duration
	rules []*trigger.Rule
	timer clock.Timer
	ver   uint64
}

// Loop is the scheduler loop. Create with New, then Start.
type Loop struct {
	mu      sync.Mutex
	cfg     Config
	rules   []*trigger.Rule
	groups  map[time.Duration]*group
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ver     uint64

	// life ends on Stop and aborts snapshot pulls of in-flight ticks.
	life   context.Context
	halt   context.CancelFunc
	halted atomic.Bool

	// tickMu serializes ticks and guards state.
	tickMu sync.Mutex
	state  *trigger.State

	d   Deps
	log logx.Logger

	ticks    atomic.Uint64
	skipped  atomic.Uint64
	admitted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

func New(cfg Config, d Deps, log logx.Logger) (*Loop, error) {
	if d.Provider == nil {
		return nil, errors.New("snapshot provider required")
	}
	if d.Manager == nil || d.Dedup == nil || d.Cooldowns == nil {
		return nil, errors.New("manager, dedup and cooldown tracker required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Evaluator == nil {
		d.Evaluator = trigger.NewEvaluator(time.Local)
	}
	if d.Sink == nil {
		d.Sink = errsink.Nop
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		cfg:    cfg.withDefaults(),
		groups: map[time.Duration]*group{},
		state:  trigger.NewState(),
		d:      d,
		log:    log,
	}
	l.life, l.halt = context.WithCancel(context.Background())
	return l, nil
}

// Start arms one timer per tick group. Calling Start on a running loop is a
// no-op.
func (l *Loop) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	if l.halted.Load() {
		l.life, l.halt = context.WithCancel(context.Background())
		l.halted.Store(false)
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.replanLocked()
	l.log.Info("scheduler started", logx.Int("rules", len(l.rules)), logx.Int("groups", len(l.groups)))
}

// Stop cancels every group timer and waits for a tick already in progress.
// Once Stop returns no tick touches the manager, dedup or cooldown state
// until the loop is started again.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.halted.Store(true)
	l.halt()
	wasRunning := l.running
	l.running = false
	for every, g := range l.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(l.groups, every)
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	// Wait out an in-flight tick.
	l.tickMu.Lock()
	l.tickMu.Unlock() //nolint:staticcheck
	if wasRunning {
		l.log.Info("scheduler stopped")
	}
}

// SetRules swaps the rule set. Groups are re-planned; a group whose interval
// survives keeps its timer phase.
func (l *Loop) SetRules(rules []*trigger.Rule) {
	cp := append([]*trigger.Rule(nil), rules...)
	l.mu.Lock()
	l.rules = cp
	if l.running {
		l.replanLocked()
	}
	l.mu.Unlock()
	l.log.Debug("rules applied", logx.Int("rules", len(cp)))
}

// Rules returns the current rule set.
func (l *Loop) Rules() []*trigger.Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*trigger.Rule(nil), l.rules...)
}

// SetConfig replaces the admission knobs.
func (l *Loop) SetConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) replanLocked() {
	byEvery := map[time.Duration][]*trigger.Rule{}
	for _, r := range l.rules {
		every := r.Every
		if every <= 0 {
			every = trigger.DefaultEvery
		}
		byEvery[every] = append(byEvery[every], r)
	}
	for every, g := range l.groups {
		if _, ok := byEvery[every]; !ok {
			if g.timer != nil {
				g.timer.Stop()
			}
			delete(l.groups, every)
		}
	}
	for every, rules := range byEvery {
		if g, ok := l.groups[every]; ok {
			g.rules = rules
			continue
		}
		g := &group{every: every, rules: rules}
		l.groups[every] = g
		l.armLocked(g)
	}
}

// armLocked schedules g's next tick on its interval boundary.
func (l *Loop) armLocked(g *group) {
	now := l.d.Clock.Now()
	next := now.Truncate(g.every).Add(g.every)
	l.ver++
	g.ver = l.ver
	every, ver := g.every, g.ver
	g.timer = l.d.Clock.AfterFunc(next.Sub(now), func() { l.fire(every, ver) })
}

func (l *Loop) fire(every time.Duration, ver uint64) {
	l.mu.Lock()
	g := l.groups[every]
	if !l.running || g == nil || g.ver != ver {
		l.mu.Unlock()
		return
	}
	rules := append([]*trigger.Rule(nil), g.rules...)
	ctx, life := l.ctx, l.life
	cfg := l.cfg
	l.mu.Unlock()

	l.tick(ctx, life, cfg, rules)

	l.mu.Lock()
	if l.running && l.groups[every] == g && g.ver == ver {
		l.armLocked(g)
	}
	l.mu.Unlock()
}

// TickNow evaluates every rule once, outside the group timers.
func (l *Loop) TickNow(ctx context.Context) {
	l.mu.Lock()
	rules := append([]*trigger.Rule(nil), l.rules...)
	cfg, life := l.cfg, l.life
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	l.tick(ctx, life, cfg, rules)
}

func (l *Loop) tick(ctx, life context.Context, cfg Config, rules []*trigger.Rule) {
	if len(rules) == 0 {
		return
	}
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	if l.halted.Load() {
		return
	}
	l.ticks.Add(1)

	defer func() {
		if r := recover(); r != nil {
			l.skipped.Add(1)
			l.d.Sink.Report(fmt.Errorf("scheduler tick panicked: %v", r), logx.Stack(string(debug.Stack())))
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, cfg.SnapshotTimeout)
	unlink := context.AfterFunc(life, cancel)
	snap, err := l.d.Provider.Snapshot(sctx)
	unlink()
	cancel()
	if l.halted.Load() {
		l.skipped.Add(1)
		l.log.Debug("loop stopped during snapshot; tick abandoned")
		return
	}
	if err != nil {
		l.skipped.Add(1)
		l.log.Warn("snapshot unavailable; tick skipped", logx.Err(err))
		return
	}

	now := l.d.Clock.Now()
	globalMin := cfg.MinInterval(snap.LowStimulation)
	env := trigger.Env{
		Cooldowns: l.d.Cooldowns.State(),
		Fired:     func(id string) bool { return l.d.Dedup.HasFired(ctx, id) },
	}
	for _, c := range l.d.Evaluator.Evaluate(now, snap, rules, l.state, env) {
		if l.halted.Load() || ctx.Err() != nil {
			return
		}
		l.admit(ctx, c, now, globalMin)
	}
}

func (l *Loop) admit(ctx context.Context, c nudge.Candidate, now time.Time, globalMin time.Duration) {
	id := c.Payload.ID
	reason := ""
	switch {
	case l.d.Manager.IsActive(id):
		reason = ReasonActive
	case l.d.Dedup.HasFired(ctx, id):
		reason = ReasonFired
	case !l.d.Cooldowns.Allows(c, now, globalMin):
		reason = ReasonCooldown
	}
	if reason != "" {
		l.rejected.Add(1)
		l.log.Debug("candidate rejected", logx.String("id", id), logx.String("rule", c.RuleID), logx.String("reason", reason))
		if l.d.Bus != nil {
			l.d.Bus.Publish(eventbus.Event{Type: nudge.EventRejected, Time: now, Data: nudge.LifecycleEvent{
				ID: id, RuleID: c.RuleID, State: nudge.StatePending, Reason: reason, At: now,
			}})
		}
		return
	}

	// Nothing is recorded for a candidate that never reached the screen.
	if !l.d.Manager.Enqueue(c.Payload) {
		l.dropped.Add(1)
		l.log.Warn("admitted nudge not displayed", logx.String("id", id), logx.String("rule", c.RuleID))
		return
	}
	l.d.Cooldowns.Commit(ctx, c, now)
	l.d.Dedup.MarkFired(ctx, id, c.Payload.Scope)
	l.admitted.Add(1)
	l.log.Info("nudge admitted", logx.String("id", id), logx.String("rule", c.RuleID))
}

// Stats returns loop counters and the current group layout.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	groups := make(map[time.Duration]int, len(l.groups))
	for every, g := range l.groups {
		groups[every] = len(g.rules)
	}
	running := l.running
	l.mu.Unlock()
	return Stats{
		Running:  running,
		Groups:   groups,
		Ticks:    l.ticks.Load(),
		Skipped:  l.skipped.Load(),
		Admitted: l.admitted.Load(),
		Rejected: l.rejected.Load(),
		Dropped:  l.dropped.Load(),
	}
}

// Intervals lists the active tick intervals in ascending order.
func (l *Loop) Intervals() []time.Duration {
	l.mu.Lock()
	out := make([]time.Duration, 0, len(l.groups))
	for every := range l.groups {
		out = append(out, every)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
