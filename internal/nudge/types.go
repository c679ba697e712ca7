package nudge

import (
	"context"
	"strings"
	"time"
)

// Importance selects the default display window of a notification.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// DefaultDuration is the auto-expiry window used when a payload has none.
func (i Importance) DefaultDuration() time.Duration {
	switch i {
	case ImportanceLow:
		return 8 * time.Second
	case ImportanceHigh:
		return 18 * time.Second
	default:
		return 12 * time.Second
	}
}

// ParseImportance maps config strings to an Importance ("" → normal).
func ParseImportance(s string) (Importance, bool) {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceLow:
		return ImportanceLow, true
	case "", ImportanceNormal:
		return ImportanceNormal, true
	case ImportanceHigh:
		return ImportanceHigh, true
	default:
		return "", false
	}
}

// Scope controls how long a fired id stays in the dedup store.
type Scope string

const (
	// ScopeDay ids embed the calendar date and persist across restarts.
	ScopeDay Scope = "day"
	// ScopeSession ids are remembered for the process lifetime only.
	ScopeSession Scope = "session"
)

// HandlerFunc is an action side effect. Its effect is opaque to the engine.
type HandlerFunc func(ctx context.Context, p Payload) error

// Action is a button attached to a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Navigate is a screen identifier handed to the Navigator as-is.
	Navigate string `json:"navigate,omitempty"`
	// Run overrides the default navigation handler.
	Run HandlerFunc `json:"-"`
}

// Payload is a notification instance.
type Payload struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Actions    []Action      `json:"actions,omitempty"`
	Duration   time.Duration `json:"duration"`
	Importance Importance    `json:"importance,omitempty"`
	Scope      Scope         `json:"scope,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Action returns the action with the given id.
func (p Payload) Action(id string) (Action, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

func (p Payload) clone() Payload {
	cp := p
	cp.Actions = append([]Action(nil), p.Actions...)
	return cp
}

// DayID builds the day-scoped id "<ruleID>-<YYYY-MM-DD>" for the calendar
// date of t in t's location.
func DayID(ruleID string, t time.Time) string {
	return ruleID + "-" + t.Format("2006-01-02")
}

// Candidate is a payload proposed by a rule, not yet admitted.
type Candidate struct {
	RuleID   string
	Payload  Payload
	Cooldown time.Duration
}

// SnoozeEntry is a deferred re-display of a verbatim payload.
type SnoozeEntry struct {
	NotificationID string    `json:"notification_id"`
	ResumeAt       time.Time `json:"resume_at"`
	Payload        Payload   `json:"payload"`
}

// Displayed is a read-only view of an active notification.
type Displayed struct {
	Payload     Payload   `json:"payload"`
	DisplayedAt time.Time `json:"displayed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// State is a notification instance's lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateDisplayed   State = "displayed"
	StateSnoozed     State = "snoozed"
	StateDismissed   State = "dismissed"
	StateExpired     State = "expired"
	StateActionTaken State = "action_taken"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateDismissed || s == StateExpired || s == StateActionTaken
}

// Event types published on the bus.
const (
	EventDisplayed = "nudge.displayed"
	EventDismissed = "nudge.dismissed"
	EventExpired   = "nudge.expired"
	EventSnoozed   = "nudge.snoozed"
	EventResumed   = "nudge.resumed"
	EventAction    = "nudge.action"
	EventRejected  = "nudge.rejected"
)

// LifecycleEvent is the Data of every nudge.* bus event.
type LifecycleEvent struct {
	ID      string `json:"id"`
	RuleID  string `json:"rule_id"`
	State   State  `json:"state"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	// Importance is set on displayed and resumed events.
	Importance Importance `json:"importance,omitempty"`
	ActionID   string     `json:"action_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	At         time.Time  `json:"at"`
	ResumeAt   time.Time  `json:"resume_at,omitempty"`
}
