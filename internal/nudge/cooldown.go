package nudge

import (
	"context"
	"strings"
	"sync"
	"time"

	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

const (
	cooldownGlobalKey = "nudge/cooldown/global"
	cooldownRulePfx   = "nudge/cooldown/rule/"
)

// CooldownState is the explicit last-fired bookkeeping.
type CooldownState struct {
	GlobalLastFired time.Time            `json:"global_last_fired"`
	PerRule         map[string]time.Time `json:"per_rule"`
}

// Elapsed reports whether ruleID's cooldown has passed at now.
func (s *CooldownState) Elapsed(ruleID string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	last, ok := s.PerRule[ruleID]
	if !ok || last.IsZero() {
		return true
	}
	return now.Sub(last) >= cooldown
}

// Allows reports whether c passes the global rate limit AND its per-rule
// cooldown at now. It mutates nothing.
func (s *CooldownState) Allows(c Candidate, now time.Time, globalMinInterval time.Duration) bool {
	if !s.GlobalLastFired.IsZero() && globalMinInterval > 0 && now.Sub(s.GlobalLastFired) < globalMinInterval {
		return false
	}
	return s.Elapsed(c.RuleID, c.Cooldown, now)
}

// Admit is Allows followed by moving both timestamps to now on success. A
// rejection mutates nothing.
func (s *CooldownState) Admit(c Candidate, now time.Time, globalMinInterval time.Duration) bool {
	if !s.Allows(c, now, globalMinInterval) {
		return false
	}
	s.record(c.RuleID, now)
	return true
}

func (s *CooldownState) record(ruleID string, now time.Time) {
	s.GlobalLastFired = now
	if s.PerRule == nil {
		s.PerRule = map[string]time.Time{}
	}
	s.PerRule[ruleID] = now
}

func (s CooldownState) clone() CooldownState {
	cp := CooldownState{GlobalLastFired: s.GlobalLastFired, PerRule: make(map[string]time.Time, len(s.PerRule))}
	for k, v := range s.PerRule {
		cp.PerRule[k] = v
	}
	return cp
}

// CooldownTracker guards a CooldownState and optionally mirrors it to the
// persistence adapter so a restart cannot bypass a long cooldown.
type CooldownTracker struct {
	mu    sync.Mutex
	state CooldownState
	store storage.Store // nil disables persistence
	log   logx.Logger
}

func NewCooldownTracker(store storage.Store, log logx.Logger) *CooldownTracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CooldownTracker{
		state: CooldownState{PerRule: map[string]time.Time{}},
		store: store,
		log:   log,
	}
}

// Admit is CooldownState.Admit under the tracker lock.
func (t *CooldownTracker) Admit(ctx context.Context, c Candidate, now time.Time, globalMinInterval time.Duration) bool {
	t.mu.Lock()
	ok := t.state.Admit(c, now, globalMinInterval)
	t.mu.Unlock()
	if ok {
		t.persist(ctx, cooldownGlobalKey, now)
		t.persist(ctx, cooldownRulePfx+c.RuleID, now)
	}
	return ok
}

// Allows checks c against the current state without recording anything.
func (t *CooldownTracker) Allows(c Candidate, now time.Time, globalMinInterval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Allows(c, now, globalMinInterval)
}

// Commit records a firing of c at now once it was actually displayed.
func (t *CooldownTracker) Commit(ctx context.Context, c Candidate, now time.Time) {
	t.mu.Lock()
	t.state.record(c.RuleID, now)
	t.mu.Unlock()
	t.persist(ctx, cooldownGlobalKey, now)
	t.persist(ctx, cooldownRulePfx+c.RuleID, now)
}

// NoteDisplayed moves the global timestamp forward for displays that skip
// admission (snooze resumes, direct shows).
func (t *CooldownTracker) NoteDisplayed(ctx context.Context, at time.Time) {
	t.mu.Lock()
	moved := at.After(t.state.GlobalLastFired)
	if moved {
		t.state.GlobalLastFired = at
	}
	t.mu.Unlock()
	if moved {
		t.persist(ctx, cooldownGlobalKey, at)
	}
}

// State returns a copy of the current state.
func (t *CooldownTracker) State() CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// Restore loads persisted timestamps for the given rules. Unreadable values
// are skipped.
func (t *CooldownTracker) Restore(ctx context.Context, ruleIDs []string) {
	if t.store == nil {
		return
	}
	if v, ok := t.load(ctx, cooldownGlobalKey); ok {
		t.mu.Lock()
		if v.After(t.state.GlobalLastFired) {
			t.state.GlobalLastFired = v
		}
		t.mu.Unlock()
	}
	for _, id := range ruleIDs {
		v, ok := t.load(ctx, cooldownRulePfx+id)
		if !ok {
			continue
		}
		t.mu.Lock()
		if v.After(t.state.PerRule[id]) {
			t.state.PerRule[id] = v
		}
		t.mu.Unlock()
	}
}

func (t *CooldownTracker) load(ctx context.Context, key string) (time.Time, bool) {
	cctx, cancel := context.WithTimeout(ctxOrBackground(ctx), storeTimeout)
	raw, ok, err := t.store.Get(cctx, key)
	cancel()
	if err != nil || !ok {
		return time.Time{}, false
	}
	v, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		t.log.Debug("malformed cooldown value ignored", logx.String("key", key))
		return time.Time{}, false
	}
	return v, true
}

func (t *CooldownTracker) persist(ctx context.Context, key string, at time.Time) {
	if t.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctxOrBackground(ctx), storeTimeout)
	err := t.store.Set(cctx, key, at.UTC().Format(time.RFC3339Nano))
	cancel()
	if err != nil {
		t.log.Debug("cooldown not persisted", logx.String("key", key), logx.Err(err))
	}
}
