package nudge

import "errors"

var (
	ErrNotFound      = errors.New("notification not active")
	ErrUnknownAction = errors.New("unknown action")
	ErrClosed        = errors.New("lifecycle manager closed")
)
