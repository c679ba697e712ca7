// Package nudge holds the notification model and the components that own
// notification state once a rule has proposed one:
//
//   - DedupStore: which notification ids already fired (day ids persisted)
//   - CooldownTracker: global and per-rule last-fired timestamps
//   - Manager: the active set, auto-expiry, dismiss and snooze
//   - Dispatcher: runs action handlers, then dismisses
//
// All timers go through clock.Clock and are tracked per notification id so
// Manager.Close cancels every outstanding timer in one pass.
package nudge
