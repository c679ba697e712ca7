package nudge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"nudge/internal/errsink"
	logx "nudge/pkg/logx"
)

// Navigator moves the host UI to a screen. Screen ids are opaque.
type Navigator interface {
	Navigate(ctx context.Context, screen string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, screen string) error

func (f NavigatorFunc) Navigate(ctx context.Context, screen string) error { return f(ctx, screen) }

// Dispatcher resolves action ids on active notifications and runs them.
type Dispatcher struct {
	mgr  *Manager
	nav  Navigator
	sink errsink.Sink
	log  logx.Logger
}

func NewDispatcher(mgr *Manager, nav Navigator, sink errsink.Sink, log logx.Logger) *Dispatcher {
	if sink == nil {
		sink = errsink.Nop
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{mgr: mgr, nav: nav, sink: sink, log: log}
}

// Invoke runs actionID of the active notification id, then dismisses it.
//
// An unknown notification returns ErrNotFound; an unknown action returns
// ErrUnknownAction and leaves the notification displayed. A handler that
// fails or panics is reported to the error sink and the notification is
// still dismissed; Invoke then returns nil.
func (d *Dispatcher) Invoke(ctx context.Context, id, actionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, ok := d.mgr.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	act, ok := p.Action(actionID)
	if !ok {
		return fmt.Errorf("%w: %q on %q", ErrUnknownAction, actionID, id)
	}

	if err := d.run(ctx, act, p); err != nil {
		d.sink.Report(err,
			logx.String("notification_id", id),
			logx.String("action_id", actionID),
			logx.String("rule", p.RuleID))
	}
	if !d.mgr.completeAction(id, actionID) {
		// Expired or dismissed while the handler ran.
		d.log.Debug("notification gone before action completed", logx.String("id", id))
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, act Action, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("action handler panicked", logx.String("action_id", act.ID), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("action %q panicked: %v", act.ID, r)
		}
	}()
	switch {
	case act.Run != nil:
		return act.Run(ctx, p)
	case act.Navigate != "":
		if d.nav == nil {
			return errors.New("no navigator configured for action " + act.ID)
		}
		return d.nav.Navigate(ctx, act.Navigate)
	default:
		// Dismiss-only action.
		return nil
	}
}
