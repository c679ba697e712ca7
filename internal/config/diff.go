package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "nudge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (forward URLs carry credentials and are never logged),
// and (3) the ids of rules that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.file", strings.TrimSpace(newCfg.Storage.File)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.timezone", strings.TrimSpace(newCfg.Engine.Timezone)),
			logx.String("engine.global_min_interval", strings.TrimSpace(newCfg.Engine.GlobalMinInterval)),
			logx.String("engine.low_stimulation_min_interval", strings.TrimSpace(newCfg.Engine.LowStimulationMinInterval)),
			logx.String("engine.default_snooze", strings.TrimSpace(newCfg.Engine.DefaultSnooze)),
		)
	}

	if oldCfg.Errors != newCfg.Errors {
		changed = append(changed, "errors")
		attrs = append(attrs,
			logx.Int("errors.rate_per_sec", newCfg.Errors.RatePerSec),
			logx.Int("errors.burst", newCfg.Errors.Burst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Forward, newCfg.Forward) {
		changed = append(changed, "forward")
		attrs = append(attrs,
			logx.Bool("forward.enabled", newCfg.Forward.Enabled),
			logx.Int("forward.url_count", len(newCfg.Forward.URLs)),
			logx.Int("forward.workers", newCfg.Forward.Workers),
			logx.String("forward.min_importance", strings.TrimSpace(newCfg.Forward.MinImportance)),
		)
	}

	if oldCfg.Snapshot != newCfg.Snapshot {
		changed = append(changed, "snapshot")
		attrs = append(attrs, logx.String("snapshot.file", strings.TrimSpace(newCfg.Snapshot.File)))
	}

	rulesChanged := diffRules(oldCfg.Rules, newCfg.Rules)
	if len(rulesChanged) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.count", len(newCfg.Rules)),
			logx.Int("rules.changed", len(rulesChanged)),
		)
	}

	return changed, attrs, rulesChanged
}

func diffRules(oldRules, newRules []RuleConfig) []string {
	om := make(map[string]RuleConfig, len(oldRules))
	for _, r := range oldRules {
		om[strings.TrimSpace(r.ID)] = r
	}
	nm := make(map[string]RuleConfig, len(newRules))
	for _, r := range newRules {
		nm[strings.TrimSpace(r.ID)] = r
	}

	seen := map[string]bool{}
	out := []string{}
	for id, o := range om {
		n, ok := nm[id]
		if !ok || !reflect.DeepEqual(o, n) {
			if !seen[id] {
				out = append(out, id)
				seen[id] = true
			}
		}
	}
	for id := range nm {
		if _, ok := om[id]; !ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	sort.Strings(out)
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
