package trigger

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"nudge/internal/nudge"
)

// Env is the read-only engine state the evaluator consults.
type Env struct {
	Cooldowns nudge.CooldownState
	// Fired reports whether an id already fired. Nil means nothing has.
	Fired func(id string) bool
}

func (e Env) fired(id string) bool { return e.Fired != nil && e.Fired(id) }

// Evaluator proposes candidates. Its location defines "wall-clock minute"
// and the calendar date embedded in day-scoped ids.
type Evaluator struct {
	loc *time.Location
}

func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{loc: loc}
}

// Location returns the evaluator's timezone.
func (e *Evaluator) Location() *time.Location { return e.loc }

// Evaluate returns the candidates proposed at now, in rule order. It updates
// st with the states observed in snap.
func (e *Evaluator) Evaluate(now time.Time, snap Snapshot, rules []*Rule, st *State, env Env) []nudge.Candidate {
	if st == nil {
		st = NewState()
	}
	st.observe(now, snap)
	st.prune(now)

	var out []nudge.Candidate
	for _, r := range rules {
		if r == nil {
			continue
		}
		var c []nudge.Candidate
		switch r.Kind {
		case KindTimeWindow:
			c = e.timeWindow(now, snap, r)
		case KindStateDwell:
			c = e.stateDwell(now, snap, r, st)
		case KindEventRecency:
			c = e.eventRecency(now, snap, r, st, env)
		}
		out = append(out, c...)
	}
	return out
}

func (e *Evaluator) timeWindow(now time.Time, snap Snapshot, r *Rule) []nudge.Candidate {
	minute := now.In(e.loc).Truncate(time.Minute)

	if r.Session == "" {
		if !r.matchesMinute(minute) {
			return nil
		}
		id := nudge.DayID(r.ID, minute)
		if r.At == "" {
			// Cron windows may match several times a day.
			id = r.ID + "-" + minute.Format("2006-01-02T15:04")
		}
		return []nudge.Candidate{candidate(r, id, now, vars{})}
	}

	var out []nudge.Candidate
	for _, s := range snap.Sessions {
		if r.Session != AnySession && !strings.EqualFold(s.Name, r.Session) {
			continue
		}
		at := s.At.Add(r.Offset).In(e.loc).Truncate(time.Minute)
		if !at.Equal(minute) {
			continue
		}
		id := r.ID + "-" + at.Format("2006-01-02T15:04")
		if r.Session == AnySession {
			id += "-" + s.Name
		}
		out = append(out, candidate(r, id, now, vars{session: s.Name}))
	}
	return out
}

func (e *Evaluator) stateDwell(now time.Time, _ Snapshot, r *Rule, st *State) []nudge.Candidate {
	value, since, ok := st.Since(r.State)
	if !ok || value != r.Value {
		return nil
	}
	if now.Sub(since) < r.Dwell {
		return nil
	}
	// One id per onset: a new transition into the value gets a new id.
	id := r.ID + "-" + strconv.FormatInt(since.UnixMilli(), 10)
	return []nudge.Candidate{candidate(r, id, now, vars{state: r.State, value: value})}
}

func (e *Evaluator) eventRecency(now time.Time, snap Snapshot, r *Rule, st *State, env Env) []nudge.Candidate {
	if !env.Cooldowns.Elapsed(r.ID, r.Cooldown, now) {
		return nil
	}
	events := make([]Event, 0, len(snap.Events))
	for _, ev := range snap.Events {
		if !matchesKind(r.Event, ev.Kind) {
			continue
		}
		if ev.At.After(now) || now.Sub(ev.At) > r.Recency {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })

	// The earliest event that has not fired yet wins.
	for _, ev := range events {
		id := r.ID + "-" + st.idFor(ev)
		if env.fired(id) {
			continue
		}
		return []nudge.Candidate{candidate(r, id, now, vars{event: ev.Kind})}
	}
	return nil
}

func matchesKind(filter, kind string) bool {
	if filter == "*" {
		return true
	}
	for _, f := range strings.Split(filter, ",") {
		if strings.EqualFold(strings.TrimSpace(f), kind) {
			return true
		}
	}
	return false
}

type vars struct {
	state, value, event, session string
}

func (v vars) expand(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return strings.NewReplacer(
		"{{state}}", v.state,
		"{{value}}", v.value,
		"{{event}}", v.event,
		"{{session}}", v.session,
	).Replace(s)
}

func candidate(r *Rule, id string, now time.Time, v vars) nudge.Candidate {
	return nudge.Candidate{
		RuleID:   r.ID,
		Cooldown: r.Cooldown,
		Payload: nudge.Payload{
			ID:         id,
			RuleID:     r.ID,
			Title:      v.expand(r.Title),
			Message:    v.expand(r.Message),
			Actions:    append([]nudge.Action(nil), r.Actions...),
			Duration:   r.Duration,
			Importance: r.Importance,
			Scope:      r.Scope,
			CreatedAt:  now,
		},
	}
}
