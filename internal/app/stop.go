package app

import (
	"context"
	"fmt"
	"time"

	logx "nudge/pkg/logx"
)

// stopStep runs fn with an upper bound so one component cannot stall the
// whole shutdown. The caller's deadline is never extended. fn must honor its
// context; a step that outlives its budget is logged when it finally returns.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		max = time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
