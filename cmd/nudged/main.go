package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nudge/internal/app"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./nudge.yaml", "path to config (yaml or json)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	a, err := app.New(app.Options{ConfigPath: cfgPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
