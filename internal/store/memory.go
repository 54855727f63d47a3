package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store, used for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	headers map[string][]string
	tables  map[string][]Row
}

// NewMemory creates a Memory store with the given empty tables.
func NewMemory(tables ...string) *Memory {
	m := &Memory{
		headers: make(map[string][]string),
		tables:  make(map[string][]Row),
	}
	for _, t := range tables {
		m.tables[t] = nil
	}
	return m
}

// EnsureTable creates table if it does not exist.
func (m *Memory) EnsureTable(_ context.Context, table string, header []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = nil
	}
	m.headers[table] = append([]string(nil), header...)
	return nil
}

// OpenTable implements Store.
func (m *Memory) OpenTable(_ context.Context, table string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tables[table]; !ok {
		return fmt.Errorf("OpenTable: %s: %w", table, ErrTableNotFound)
	}
	return nil
}

// ListRows implements Store. The returned rows are copies.
func (m *Memory) ListRows(_ context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("ListRows: %s: %w", table, ErrTableNotFound)
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = append(Row(nil), r...)
	}
	return out, nil
}

// AppendRows implements Store.
func (m *Memory) AppendRows(_ context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("AppendRows: %s: %w", table, ErrTableNotFound)
	}
	for _, r := range rows {
		existing = append(existing, append(Row(nil), r...))
	}
	m.tables[table] = existing
	return nil
}
