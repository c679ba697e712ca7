// Package storage provides the key-value persistence layer the nudge engine
// reads dedup markers and cooldown timestamps from.
//
// Values are plain strings. Callers own the encoding and must treat values
// they cannot parse as absent.
package storage
