// Package ledger holds the dedupe key sets and the in-memory backend.
// Durable backends live in the xlsx and postgres subpackages.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Set is a concurrency-safe set of trimmed keys.
type Set struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewSet builds a Set holding keys.
func NewSet(keys ...string) *Set {
	s := &Set{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.add(k)
	}
	return s
}

// Contains reports whether key is present.
func (s *Set) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[strings.TrimSpace(key)]
	return ok
}

// Add inserts key. Blank keys are ignored.
func (s *Set) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(key)
}

// Replace swaps the whole content for keys.
func (s *Set) Replace(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			next[k] = struct{}{}
		}
	}
	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
}

// Len returns the number of keys.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Set) add(key string) {
	if key = strings.TrimSpace(key); key != "" {
		s.keys[key] = struct{}{}
	}
}

// Row is one recorded key.
type Row struct {
	Key string
	At  time.Time
}

// Memory is a process-local ledger for tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	rows []Row
	view *Set
}

// NewMemory returns a Memory ledger pre-populated with keys.
func NewMemory(keys ...string) *Memory {
	m := &Memory{view: NewSet()}
	for _, k := range keys {
		m.rows = append(m.rows, Row{Key: k})
	}
	return m
}

// Load refreshes the view from the recorded rows.
func (m *Memory) Load(_ context.Context) error {
	m.mu.Lock()
	keys := make([]string, len(m.rows))
	for i, r := range m.rows {
		keys[i] = r.Key
	}
	m.mu.Unlock()
	m.view.Replace(keys)
	return nil
}

// Contains reports whether key was loaded or recorded.
func (m *Memory) Contains(key string) bool {
	return m.view.Contains(key)
}

// Record appends key unless it is already present.
func (m *Memory) Record(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.view.Contains(key) {
		return nil
	}
	m.mu.Lock()
	m.rows = append(m.rows, Row{Key: key, At: at})
	m.mu.Unlock()
	m.view.Add(key)
	return nil
}

// Rows returns the recorded rows in insertion order.
func (m *Memory) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}
