// Package scheduler runs the periodic evaluation loop.
//
// Rules are grouped by their evaluation interval. Each group owns one timer
// aligned to its interval boundary (a 60s group ticks at :00 of every
// minute). A tick pulls one snapshot, evaluates the group's rules and pushes
// the candidates through the admission filters:
//
//	already active? → already fired? → cooldown admits? → display
//
// Ticks from different groups never overlap; evaluator state is only touched
// under the tick lock.
package scheduler
