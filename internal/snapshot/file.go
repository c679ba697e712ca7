package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

// File reads a snapshot document (YAML or JSON, by extension) that the host
// rewrites. The parsed document is cached until the file's size or mtime
// changes. A missing file is an empty snapshot; an unparsable one is an
// error, so the tick is skipped.
type File struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  trigger.Snapshot
	loaded  bool
}

func NewFile(path string, log logx.Logger) *File {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &File{path: strings.TrimSpace(path), log: log}
}

// Path returns the watched file path.
func (f *File) Path() string { return f.path }

func (f *File) Snapshot(ctx context.Context) (trigger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return trigger.Snapshot{}, err
	}
	st, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.log.Debug("snapshot file missing; using empty snapshot", logx.String("path", f.path))
		return trigger.Snapshot{}, nil
	}
	if err != nil {
		return trigger.Snapshot{}, fmt.Errorf("stat snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded && st.ModTime().Equal(f.modTime) && st.Size() == f.size {
		return clone(f.cached), nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return trigger.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := Decode(f.path, data)
	if err != nil {
		return trigger.Snapshot{}, err
	}
	f.cached, f.modTime, f.size, f.loaded = snap, st.ModTime(), st.Size(), true
	return clone(snap), nil
}

// Decode parses a snapshot document. Unknown fields are rejected.
func Decode(path string, data []byte) (trigger.Snapshot, error) {
	var snap trigger.Snapshot
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
			return trigger.Snapshot{}, fmt.Errorf("decode snapshot yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&snap); err != nil {
			return trigger.Snapshot{}, fmt.Errorf("decode snapshot json: %w", err)
		}
	}
	return snap, nil
}

func clone(s trigger.Snapshot) trigger.Snapshot {
	out := trigger.Snapshot{
		Events:         append([]trigger.Event(nil), s.Events...),
		Sessions:       append([]trigger.Session(nil), s.Sessions...),
		LowStimulation: s.LowStimulation,
	}
	if s.States != nil {
		out.States = make(map[string]trigger.StateValue, len(s.States))
		for k, v := range s.States {
			out.States[k] = v
		}
	}
	return out
}
