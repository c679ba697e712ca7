package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "nudge/pkg/logx"
)

// compactEvery is the number of journal appends between snapshot compactions.
const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json (periodic snapshot)
//   - <prefix>.kv.journal.jsonl (append-only journal)
//
// The journal is replayed over the snapshot on open and periodically
// compacted into it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	kv           map[string]string

	writes int
}

type kvRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	// A damaged snapshot or journal line only loses the affected keys.
	kv := map[string]string{}
	if err := loadSnapshot(snapPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		kv:           kv,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("kv compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	s.kv[key] = value

	if err := json.NewEncoder(s.journal).Encode(kvRecord{Key: key, Value: value}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", false, ErrDisabled
	}
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Value
	}
	return sc.Err()
}
