package config

// Config is the on-disk configuration of the nudge host.
//
// Durations are Go duration strings ("90s", "20m"). Empty means default.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
	Errors   ErrorsConfig   `json:"errors"`
	Forward  ForwardConfig  `json:"forward"`
	Snapshot SnapshotConfig `json:"snapshot"`
	Rules    []RuleConfig   `json:"rules"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"` // console output as JSON lines
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig configures the persistence adapter backing day-scoped dedup
// and cooldown timestamps.
type StorageConfig struct {
	// Driver: none|memory|file|sqlite
	Driver string `json:"driver"`
	// File: path to the data file (file/sqlite).
	File string `json:"file"`
	// BusyTimeout is sqlite-only ("1s", "500ms"). Empty means default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EngineConfig struct {
	// Timezone used for day-scoped ids and wall-clock windows (IANA name).
	Timezone                  string `json:"timezone"`
	GlobalMinInterval         string `json:"global_min_interval"`
	LowStimulationMinInterval string `json:"low_stimulation_min_interval,omitempty"`
	DefaultSnooze             string `json:"default_snooze,omitempty"`
	SnapshotTimeout           string `json:"snapshot_timeout,omitempty"`
	// PersistCooldowns keeps cooldown timestamps across restarts (default true).
	PersistCooldowns *bool `json:"persist_cooldowns,omitempty"`
}

type ErrorsConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

type ForwardConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls,omitempty"`
	Workers       int      `json:"workers,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty"`
	RatePerSec    int      `json:"rate_per_sec,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	MinImportance string   `json:"min_importance,omitempty"`
	Resumed       bool     `json:"resumed,omitempty"`
}

// SnapshotConfig points the host at the state file it evaluates rules against.
type SnapshotConfig struct {
	File string `json:"file"`
}

type ActionConfig struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Navigate string `json:"navigate,omitempty"`
}

// RuleConfig is one trigger rule as written in the config file.
type RuleConfig struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"`

	Cooldown string `json:"cooldown,omitempty"`
	// Every accepts "30s", "interval:1m" or "HH:MM" style durations.
	Every      string         `json:"every,omitempty"`
	Scope      string         `json:"scope,omitempty"`
	Importance string         `json:"importance,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Title      string         `json:"title,omitempty"`
	Message    string         `json:"message,omitempty"`
	Actions    []ActionConfig `json:"actions,omitempty"`

	At      string `json:"at,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Session string `json:"session,omitempty"`
	// Offset may be negative ("-15m" fires before the session).
	Offset string `json:"offset,omitempty"`

	State string `json:"state,omitempty"`
	Value string `json:"value,omitempty"`
	Dwell string `json:"dwell,omitempty"`

	Event   string `json:"event,omitempty"`
	Recency string `json:"recency,omitempty"`
}

func (r RuleConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }
