package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nudge/internal/nudge"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  file: ./data/nudge.db
engine:
  timezone: UTC
  global_min_interval: 5m
  low_stimulation_min_interval: 30m
forward:
  enabled: true
  urls: ["ntfy://ntfy.sh/nudges"]
  min_importance: high
snapshot:
  file: ./state.yaml
rules:
  - id: morning
    kind: time_window
    at: "08:00"
    every: 30s
    title: Morning check-in
  - id: idle
    kind: StateDwell
    state: activity
    value: idle
    dwell: 30m
    cooldown: 1h
    importance: low
    message: Still idle?
    actions:
      - id: open
        label: Open
        navigate: /home
  - id: focus-prep
    kind: time_window
    session: focus
    offset: -15m
    title: Focus soon
  - id: off
    kind: event_recency
    enabled: false
    event: task_done
    recency: 10m
    title: disabled
`

func TestDecodeYAMLAndCompile(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("nudge.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	rules, err := CompileRules(cfg)
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules=%d want 3 (disabled rule skipped)", len(rules))
	}
	morning, idle, prep := rules[0], rules[1], rules[2]
	if morning.Kind != trigger.KindTimeWindow || morning.Every != 30*time.Second || morning.Scope != nudge.ScopeDay {
		t.Fatalf("morning=%+v", morning)
	}
	if morning.CronSpec() != "0 8 * * *" {
		t.Fatalf("morning cron=%q", morning.CronSpec())
	}
	if idle.Kind != trigger.KindStateDwell || idle.Dwell != 30*time.Minute || idle.Cooldown != time.Hour {
		t.Fatalf("idle=%+v", idle)
	}
	if idle.Importance != nudge.ImportanceLow || idle.Scope != nudge.ScopeSession {
		t.Fatalf("idle importance/scope=%s/%s", idle.Importance, idle.Scope)
	}
	if len(idle.Actions) != 1 || idle.Actions[0].Navigate != "/home" {
		t.Fatalf("idle actions=%+v", idle.Actions)
	}
	if prep.Offset != -15*time.Minute || prep.Session != "focus" {
		t.Fatalf("prep=%+v", prep)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
	}{
		{"yaml unknown", "c.yaml", "engine:\n  timezon: UTC\n"},
		{"json unknown", "c.json", `{"rules":[{"id":"a","kind":"time_window","att":"08:00"}]}`},
		{"json trailing", "c.json", `{"logging":{}} {"logging":{}}`},
		{"yaml syntax", "c.yml", "rules: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCompileRulesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rules []RuleConfig
		want  string
	}{
		{
			name:  "duplicate id",
			rules: []RuleConfig{{ID: "a", Kind: "time_window", At: "08:00", Title: "x"}, {ID: "a", Kind: "time_window", At: "09:00", Title: "y"}},
			want:  "duplicate",
		},
		{
			name:  "unknown kind",
			rules: []RuleConfig{{ID: "a", Kind: "geofence", Title: "x"}},
			want:  "rules.a.kind",
		},
		{
			name:  "bad every",
			rules: []RuleConfig{{ID: "a", Kind: "time_window", At: "08:00", Every: "*/5 * * * *", Title: "x"}},
			want:  "rules.a.every",
		},
		{
			name:  "negative cooldown",
			rules: []RuleConfig{{ID: "a", Kind: "event_recency", Event: "done", Recency: "5m", Cooldown: "-1m", Title: "x"}},
			want:  "rules.a.cooldown",
		},
		{
			name:  "bad scope",
			rules: []RuleConfig{{ID: "a", Kind: "time_window", At: "08:00", Scope: "week", Title: "x"}},
			want:  "rules.a.scope",
		},
		{
			name:  "missing dwell",
			rules: []RuleConfig{{ID: "a", Kind: "state_dwell", State: "s", Value: "v", Title: "x"}},
			want:  "dwell",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := CompileRules(&Config{Rules: tt.rules})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want containing %q", err, tt.want)
			}
		})
	}
}

func TestMapEngineDefaults(t *testing.T) {
	t.Parallel()

	ec, err := MapEngine(&Config{})
	if err != nil {
		t.Fatalf("MapEngine: %v", err)
	}
	if ec.Location != time.Local {
		t.Fatalf("location=%v", ec.Location)
	}
	if ec.Scheduler.GlobalMinInterval != defaultGlobalMinInterval {
		t.Fatalf("global=%s", ec.Scheduler.GlobalMinInterval)
	}
	if ec.DefaultSnooze != nudge.DefaultSnooze || !ec.PersistCooldowns {
		t.Fatalf("snooze=%s persist=%v", ec.DefaultSnooze, ec.PersistCooldowns)
	}

	off := false
	ec, err = MapEngine(&Config{Engine: EngineConfig{Timezone: "UTC", PersistCooldowns: &off, DefaultSnooze: "5m"}})
	if err != nil {
		t.Fatalf("MapEngine: %v", err)
	}
	if ec.Location != time.UTC || ec.PersistCooldowns || ec.DefaultSnooze != 5*time.Minute {
		t.Fatalf("ec=%+v", ec)
	}

	if _, err := MapEngine(&Config{Engine: EngineConfig{Timezone: "Mars/Olympus"}}); err == nil {
		t.Fatalf("expected invalid timezone error")
	}
}

func TestMapStorageAndForward(t *testing.T) {
	t.Parallel()

	sc, driver, err := MapStorage(&Config{Storage: StorageConfig{Driver: "SQLite", File: "x.db"}})
	if err != nil {
		t.Fatalf("MapStorage: %v", err)
	}
	if driver != "sqlite" || sc.BusyTimeout != defaultBusyTimeout {
		t.Fatalf("driver=%s busy=%s", driver, sc.BusyTimeout)
	}
	if _, _, err := MapStorage(&Config{Storage: StorageConfig{Driver: "file"}}); err == nil {
		t.Fatalf("file driver without path should fail")
	}
	if _, _, err := MapStorage(&Config{Storage: StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("unknown driver should fail")
	}

	if _, err := MapForward(&Config{Forward: ForwardConfig{Enabled: true}}); err == nil {
		t.Fatalf("enabled forward without urls should fail")
	}
	fc, err := MapForward(&Config{Forward: ForwardConfig{Enabled: true, URLs: []string{" generic://x ", ""}, MinImportance: "HIGH", RetryBase: "250ms"}})
	if err != nil {
		t.Fatalf("MapForward: %v", err)
	}
	if len(fc.URLs) != 1 || fc.URLs[0] != "generic://x" || fc.MinImportance != nudge.ImportanceHigh || fc.RetryBase != 250*time.Millisecond {
		t.Fatalf("fc=%+v", fc)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Rules: []RuleConfig{{ID: "a", Title: "x"}, {ID: "b", Title: "y"}}}
	newCfg := &Config{
		Engine:  EngineConfig{GlobalMinInterval: "10m"},
		Forward: ForwardConfig{URLs: []string{"ntfy://secret@host/topic"}},
		Rules:   []RuleConfig{{ID: "a", Title: "changed"}, {ID: "c", Title: "z"}},
	}
	sections, attrs, rules := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "engine,forward,rules" {
		t.Fatalf("sections=%v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if strings.Join(rules, ",") != "a,b,c" {
		t.Fatalf("rules=%v", rules)
	}

	sections, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("identical configs reported %v", sections)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nudge.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"engine":{"global_min_interval":"1m"}}`)

	m := NewManager(path, logx.Nop())
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload unchanged err=%v", err)
	}

	write(`{"engine":{"timezone":"Nowhere/Void"}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("invalid config accepted")
	}
	if m.Get().Engine.GlobalMinInterval != "1m" {
		t.Fatalf("rejected config was committed")
	}

	write(`{"engine":{"global_min_interval":"3m"}}`)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case got := <-sub:
		if got.Engine.GlobalMinInterval != "3m" {
			t.Fatalf("published=%+v", got.Engine)
		}
	default:
		t.Fatalf("no config published")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("subscription not closed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json", logx.Nop())
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("slow subscriber did not receive the newest config")
	}
}

func TestYAMLEdgeCases(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("empty.yaml", nil)
	if err != nil || len(cfg.Rules) != 0 {
		t.Fatalf("empty yaml: cfg=%+v err=%v", cfg, err)
	}
	if _, err := Decode("multi.yaml", []byte("logging: {}\n---\nlogging: {}\n")); err == nil {
		t.Fatalf("multi-document yaml accepted")
	}
}
