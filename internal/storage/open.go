package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "nudge/pkg/logx"
)

// ErrUnknownDriver is returned by Open for driver names it does not know.
var ErrUnknownDriver = errors.New("unknown storage driver")

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	return st, nil
}
