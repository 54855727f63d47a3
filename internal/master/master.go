package master

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/store"
)

// DefaultTable is the category master table.
const DefaultTable = "Category_Master"

const cacheKey = "mapping"

// Master reads and extends the persisted category master.
//
// Update re-reads the table under a process-wide lock before appending, so
// concurrent learners in one process never add the same keyword twice.
// Learners in separate processes may; the duplicate row is harmless because
// the first occurrence wins on load.
type Master struct {
	store store.Store
	table string
	cache *cache.Cache

	mu sync.Mutex
}

// Option configures a Master.
type Option func(*Master)

// WithTable overrides the master table name.
func WithTable(table string) Option {
	return func(m *Master) {
		if table != "" {
			m.table = table
		}
	}
}

// WithCacheTTL caches the loaded mapping for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Master) {
		if ttl > 0 {
			m.cache = cache.New(ttl, 2*ttl)
		}
	}
}

// New creates a Master over s.
func New(s store.Store, opts ...Option) *Master {
	m := &Master{store: s, table: DefaultTable}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Table returns the master table name.
func (m *Master) Table() string { return m.table }

// Load returns the persisted mapping. It never fails: a missing table or a
// storage error yields an empty mapping and a warning in the log.
func (m *Master) Load(ctx context.Context) *Mapping {
	if m.cache != nil {
		if v, ok := m.cache.Get(cacheKey); ok {
			return v.(*Mapping).Clone()
		}
	}

	mapping, err := m.read(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("table", m.table).Msg("Category master unavailable, suggestions disabled")
		return NewMapping()
	}
	if m.cache != nil {
		m.cache.Set(cacheKey, mapping.Clone(), cache.DefaultExpiration)
	}
	return mapping
}

func (m *Master) read(ctx context.Context) (*Mapping, error) {
	rows, err := m.store.ListRows(ctx, m.table)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		entries = append(entries, Entry{Keyword: r[0], Category: r[1]})
	}
	return NewMapping(entries...), nil
}

// Update appends the entries whose keyword is not yet present and returns
// how many were added. Existing keywords are never overwritten.
func (m *Master) Update(ctx context.Context, entries []Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.OpenTable(ctx, m.table); err != nil {
		return 0, fmt.Errorf("Update: open table: %w", err)
	}
	current, err := m.read(ctx)
	if err != nil {
		return 0, fmt.Errorf("Update: %w", err)
	}

	var rows []store.Row
	for _, e := range entries {
		if !current.add(e) {
			continue
		}
		rows = append(rows, store.Row{strings.TrimSpace(e.Keyword), strings.TrimSpace(e.Category)})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.store.AppendRows(ctx, m.table, rows); err != nil {
		return 0, fmt.Errorf("Update: append: %w", err)
	}
	if m.cache != nil {
		m.cache.Delete(cacheKey)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("table", m.table).Int("added", len(rows)).Msg("Category master updated")
	return len(rows), nil
}

// BootstrapFromHistory learns from stored bank-sourced transactions whose
// category_2 is a real classification, then feeds them to Update.
func (m *Master) BootstrapFromHistory(ctx context.Context, l *ledger.Ledger, table string) (int, error) {
	txs, err := l.List(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("BootstrapFromHistory: %w", err)
	}

	var entries []Entry
	for _, tx := range txs {
		if tx.Institution == "" || strings.TrimSpace(tx.Store) == "" || domain.IsDefaultCategory(tx.Category2) {
			continue
		}
		entries = append(entries, Entry{Keyword: tx.Store, Category: tx.Category2})
	}

	n, err := m.Update(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("BootstrapFromHistory: %w", err)
	}
	return n, nil
}

// Suggester binds Suggest to a loaded mapping.
func Suggester(m *Mapping) func(string) string {
	return func(store string) string { return Suggest(store, m) }
}
