package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/engine"
	"nudge/internal/errsink"
	"nudge/internal/forward"
	"nudge/internal/nudge"
	"nudge/internal/scheduler"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

const (
	defaultGlobalMinInterval = 2 * time.Minute
	defaultBusyTimeout       = time.Second
)

func MapLogging(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorage returns the storage config and the normalized driver name.
func MapStorage(cfg *Config) (storage.Config, string, error) {
	if cfg == nil {
		return storage.Config{}, "none", nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "none"
	}
	path := strings.TrimSpace(cfg.Storage.File)
	busy, err := ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, "", err
	}

	switch driver {
	case "none", "memory":
	case "file", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, "", fmt.Errorf("storage.file required for driver %q", driver)
		}
	default:
		return storage.Config{}, "", fmt.Errorf("storage.driver: unknown driver %q", driver)
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, driver, nil
}

// MapEngine parses the engine section. Timezone "" means the host's local zone.
func MapEngine(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	ec := cfg.Engine

	loc := time.Local
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return engine.Config{}, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	global, err := ParseDurationOrDefault("engine.global_min_interval", ec.GlobalMinInterval, defaultGlobalMinInterval)
	if err != nil {
		return engine.Config{}, err
	}
	low, err := ParseDurationField("engine.low_stimulation_min_interval", ec.LowStimulationMinInterval)
	if err != nil {
		return engine.Config{}, err
	}
	snooze, err := ParseDurationOrDefault("engine.default_snooze", ec.DefaultSnooze, nudge.DefaultSnooze)
	if err != nil {
		return engine.Config{}, err
	}
	snapTimeout, err := ParseDurationField("engine.snapshot_timeout", ec.SnapshotTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	persist := true
	if ec.PersistCooldowns != nil {
		persist = *ec.PersistCooldowns
	}

	return engine.Config{
		Location: loc,
		Scheduler: scheduler.Config{
			GlobalMinInterval:         global,
			LowStimulationMinInterval: low,
			SnapshotTimeout:           snapTimeout,
		},
		DefaultSnooze:    snooze,
		PersistCooldowns: persist,
	}, nil
}

func MapErrors(cfg *Config) errsink.Config {
	if cfg == nil {
		return errsink.Config{}
	}
	return errsink.Config{RatePerSec: cfg.Errors.RatePerSec, Burst: cfg.Errors.Burst}
}

// MapForward parses the forward section. A disabled section still validates.
func MapForward(cfg *Config) (forward.Config, error) {
	if cfg == nil {
		return forward.Config{}, nil
	}
	fc := cfg.Forward
	retryBase, err := ParseDurationField("forward.retry_base", fc.RetryBase)
	if err != nil {
		return forward.Config{}, err
	}
	retryMax, err := ParseDurationField("forward.retry_max_delay", fc.RetryMaxDelay)
	if err != nil {
		return forward.Config{}, err
	}
	var minImp nudge.Importance
	if s := strings.TrimSpace(fc.MinImportance); s != "" {
		imp, ok := nudge.ParseImportance(s)
		if !ok {
			return forward.Config{}, fmt.Errorf("forward.min_importance: unknown %q", s)
		}
		minImp = imp
	}
	urls := make([]string, 0, len(fc.URLs))
	for _, u := range fc.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if fc.Enabled && len(urls) == 0 {
		return forward.Config{}, errors.New("forward.urls required when forward.enabled is true")
	}
	if fc.Workers < 0 || fc.QueueSize < 0 || fc.RatePerSec < 0 || fc.RetryMax < 0 {
		return forward.Config{}, errors.New("forward: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	return forward.Config{
		Enabled:       fc.Enabled,
		URLs:          urls,
		Workers:       fc.Workers,
		QueueSize:     fc.QueueSize,
		RatePerSec:    fc.RatePerSec,
		RetryMax:      fc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		MinImportance: minImp,
		Resumed:       fc.Resumed,
	}, nil
}

// CompileRules turns the enabled rule entries into compiled trigger rules.
// Errors name the offending rule.
func CompileRules(cfg *Config) ([]*trigger.Rule, error) {
	if cfg == nil {
		return nil, nil
	}
	out := make([]*trigger.Rule, 0, len(cfg.Rules))
	seen := map[string]bool{}
	for i, rc := range cfg.Rules {
		id := strings.TrimSpace(rc.ID)
		key := fmt.Sprintf("rules[%d]", i)
		if id != "" {
			key = "rules." + id
		}
		if id != "" && seen[id] {
			return nil, fmt.Errorf("%s: duplicate rule id", key)
		}
		seen[id] = true
		if !rc.IsEnabled() {
			continue
		}
		r, err := compileRule(key, rc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func compileRule(key string, rc RuleConfig) (*trigger.Rule, error) {
	kind, err := trigger.ParseKind(rc.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s.kind: %w", key, err)
	}
	r := &trigger.Rule{
		ID:         strings.TrimSpace(rc.ID),
		Kind:       kind,
		Importance: nudge.Importance(strings.TrimSpace(rc.Importance)),
		Title:      rc.Title,
		Message:    rc.Message,
		At:         rc.At,
		Cron:       rc.Cron,
		Session:    rc.Session,
		State:      strings.TrimSpace(rc.State),
		Value:      strings.TrimSpace(rc.Value),
		Event:      strings.TrimSpace(rc.Event),
	}

	switch s := strings.ToLower(strings.TrimSpace(rc.Scope)); s {
	case "":
	case string(nudge.ScopeDay), string(nudge.ScopeSession):
		r.Scope = nudge.Scope(s)
	default:
		return nil, fmt.Errorf("%s.scope: unknown scope %q", key, rc.Scope)
	}

	if strings.TrimSpace(rc.Every) != "" {
		every, err := scheduler.ParseEvery(rc.Every)
		if err != nil {
			return nil, fmt.Errorf("%s.every: %w", key, err)
		}
		r.Every = every
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cooldown", rc.Cooldown, &r.Cooldown},
		{"duration", rc.Duration, &r.Duration},
		{"dwell", rc.Dwell, &r.Dwell},
		{"recency", rc.Recency, &r.Recency},
	}
	for _, d := range durations {
		v, err := ParseDurationField(key+"."+d.name, d.raw)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}
	if r.Offset, err = ParseSignedDuration(key+".offset", rc.Offset); err != nil {
		return nil, err
	}

	for _, a := range rc.Actions {
		r.Actions = append(r.Actions, nudge.Action{
			ID:       strings.TrimSpace(a.ID),
			Label:    a.Label,
			Navigate: strings.TrimSpace(a.Navigate),
		})
	}

	if err := r.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return r, nil
}

// Validate runs every mapper so a bad hot reload is rejected before commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, _, err := MapStorage(cfg); err != nil {
		return err
	}
	if _, err := MapEngine(cfg); err != nil {
		return err
	}
	if _, err := MapForward(cfg); err != nil {
		return err
	}
	_, err := CompileRules(cfg)
	return err
}
