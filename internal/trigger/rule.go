package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/nudge"
)

// Kind selects the rule's firing condition.
type Kind string

const (
	KindTimeWindow   Kind = "time_window"
	KindStateDwell   Kind = "state_dwell"
	KindEventRecency Kind = "event_recency"
)

// ParseKind accepts "time_window", "TimeWindow", "time-window" and similar.
func ParseKind(s string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("_", "", "-", "", " ", "").Replace(n)
	switch n {
	case "timewindow":
		return KindTimeWindow, nil
	case "statedwell":
		return KindStateDwell, nil
	case "eventrecency":
		return KindEventRecency, nil
	default:
		return "", fmt.Errorf("unknown rule kind %q", s)
	}
}

// DefaultEvery is the evaluation interval of a rule that sets none.
const DefaultEvery = time.Minute

// AnySession matches every scheduled session in a session-relative window.
const AnySession = "*"

// windowParser is minute-granular: a window is a wall-clock minute.
var windowParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rule is a compiled trigger rule. Build it, then call Compile before use.
type Rule struct {
	ID       string
	Kind     Kind
	Cooldown time.Duration
	// Every is the evaluation interval; rules sharing it tick together.
	Every time.Duration

	Scope      nudge.Scope
	Importance nudge.Importance
	// Duration overrides the importance-based display window.
	Duration time.Duration
	Title    string
	Message  string
	Actions  []nudge.Action

	// time_window: exactly one of At, Cron or Session.
	At      string // "HH:MM"
	Cron    string
	Session string
	Offset  time.Duration

	// state_dwell
	State string
	Value string
	Dwell time.Duration

	// event_recency
	Event   string
	Recency time.Duration

	sched cron.Schedule
	spec  string
}

// Compile validates r, fills defaults and prepares its schedule.
func (r *Rule) Compile() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("rule id required")
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown must be >= 0", r.ID)
	}
	if r.Every < 0 {
		return fmt.Errorf("rule %s: every must be >= 0", r.ID)
	}
	if r.Every == 0 {
		r.Every = DefaultEvery
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %s: duration must be >= 0", r.ID)
	}
	imp, ok := nudge.ParseImportance(string(r.Importance))
	if !ok {
		return fmt.Errorf("rule %s: unknown importance %q", r.ID, r.Importance)
	}
	r.Importance = imp
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("rule %s: title or message required", r.ID)
	}
	for i, a := range r.Actions {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("rule %s: action %d has no id", r.ID, i)
		}
	}

	switch r.Kind {
	case KindTimeWindow:
		return r.compileWindow()
	case KindStateDwell:
		if strings.TrimSpace(r.State) == "" || strings.TrimSpace(r.Value) == "" {
			return fmt.Errorf("rule %s: state_dwell needs state and value", r.ID)
		}
		if r.Dwell <= 0 {
			return fmt.Errorf("rule %s: dwell must be > 0", r.ID)
		}
		r.defaultScope(nudge.ScopeSession)
	case KindEventRecency:
		if strings.TrimSpace(r.Event) == "" {
			return fmt.Errorf("rule %s: event_recency needs event", r.ID)
		}
		if r.Recency <= 0 {
			return fmt.Errorf("rule %s: recency must be > 0", r.ID)
		}
		r.defaultScope(nudge.ScopeSession)
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	return nil
}

func (r *Rule) compileWindow() error {
	set := 0
	for _, v := range []string{r.At, r.Cron, r.Session} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("rule %s: time_window needs exactly one of at, cron, session", r.ID)
	}
	if r.Every > time.Minute {
		return fmt.Errorf("rule %s: time_window must be evaluated at least every minute (every=%s)", r.ID, r.Every)
	}
	r.defaultScope(nudge.ScopeDay)

	switch {
	case strings.TrimSpace(r.At) != "":
		h, m, err := parseHHMM(r.At)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.spec = fmt.Sprintf("%d %d * * *", m, h)
	case strings.TrimSpace(r.Cron) != "":
		r.spec = strings.TrimSpace(r.Cron)
		if strings.HasPrefix(r.spec, "@every") {
			return fmt.Errorf("rule %s: @every is an interval, not a window", r.ID)
		}
	default:
		r.Session = strings.TrimSpace(r.Session)
		return nil
	}
	sched, err := windowParser.Parse(r.spec)
	if err != nil {
		return fmt.Errorf("rule %s: invalid cron %q: %w", r.ID, r.spec, err)
	}
	r.sched = sched
	return nil
}

func (r *Rule) defaultScope(s nudge.Scope) {
	if r.Scope == "" {
		r.Scope = s
	}
}

// CronSpec is the compiled cron expression of a time window ("" otherwise).
func (r *Rule) CronSpec() string { return r.spec }

// matchesMinute reports whether the rule's schedule has a run at minute.
func (r *Rule) matchesMinute(minute time.Time) bool {
	if r.sched == nil {
		return false
	}
	return r.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
