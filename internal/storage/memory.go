package storage

import (
	"context"
	"strings"
	"sync"
)

// Memory is a map-backed Store. The zero value is not usable; use NewMemory.
type Memory struct {
	mu     sync.RWMutex
	m      map[string]string
	closed bool
}

func NewMemory() *Memory {
	return &Memory{m: map[string]string{}}
}

func (s *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrDisabled
	}
	v, ok := s.m[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *Memory) Set(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.m[key] = value
	return nil
}

// Len returns the number of stored keys.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
