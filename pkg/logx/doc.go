// Package logx is the structured logging layer: a small value-type Logger
// over zerolog with functional fields, plus a Service whose sinks (console,
// JSON console, file) and level can be swapped on config reload.
package logx
