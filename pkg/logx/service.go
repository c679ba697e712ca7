package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches console output to JSON lines (journald, log shippers).
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when file logging is enabled without a path.
const DefaultFilePath = "./nudge.log"

// Service owns the configured sinks. Apply swaps them at runtime and every
// Logger derived from the Service follows.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	root atomic.Pointer[zerolog.Logger]

	stdout io.Writer
}

func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks. Without any enabled sink the console is used so
// nothing is silently lost. A file that cannot be opened is reported on
// stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	console := func() io.Writer {
		if cfg.JSON {
			return s.stdout
		}
		return newConsoleWriter(s.stdout)
	}
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, console())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, console())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}
