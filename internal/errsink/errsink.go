// Package errsink is where isolated failures end up: broken action handlers,
// panicking timer callbacks, unreadable snapshots. Reporting never blocks and
// never fails the caller.
package errsink

import (
	"sync/atomic"

	"golang.org/x/time/rate"

	logx "nudge/pkg/logx"
)

// Sink receives non-fatal errors.
type Sink interface {
	Report(err error, fields ...logx.Field)
}

// Func adapts a plain function to Sink.
type Func func(err error, fields ...logx.Field)

func (f Func) Report(err error, fields ...logx.Field) {
	if f != nil && err != nil {
		f(err, fields...)
	}
}

// Nop discards every report.
var Nop Sink = Func(func(error, ...logx.Field) {})

// Config controls the log-backed reporter.
type Config struct {
	// RatePerSec caps reports written per second; bursts up to Burst.
	RatePerSec int
	Burst      int
}

// Reporter writes reports to the log at error level, rate limited so a
// handler that fails on every tick cannot flood the sink.
type Reporter struct {
	log     logx.Logger
	limiter *rate.Limiter

	reported atomic.Uint64
	dropped  atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	return &Reporter{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (r *Reporter) Report(err error, fields ...logx.Field) {
	if err == nil {
		return
	}
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		return
	}
	r.reported.Add(1)
	r.log.Error("isolated failure", append([]logx.Field{logx.Err(err)}, fields...)...)
}

// Counts returns how many reports were written and how many were dropped by
// the rate limit.
func (r *Reporter) Counts() (reported, dropped uint64) {
	return r.reported.Load(), r.dropped.Load()
}
