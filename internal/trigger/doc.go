// Package trigger turns rules and a state snapshot into candidate nudges.
//
// Three rule kinds exist:
//   - time_window: fires on a wall-clock minute ("08:00", a cron spec, or an
//     offset from a scheduled session)
//   - state_dwell: fires once a named state value has held for a dwell time
//   - event_recency: fires for a recent external event (habit/todo done)
//
// Evaluation is pure apart from the explicit *State the caller passes in,
// which records dwell observations between ticks.
package trigger
