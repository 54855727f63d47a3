// Package ledger persists transactions to the row store and guards bulk
// imports against duplicates.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/store"
)

// DefaultTable is the transaction log table.
const DefaultTable = "Transaction_Log"

// BulkResult reports the outcome of AppendBulk.
type BulkResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Ledger is the transaction store adapter.
//
// AppendBulk serialises imports into the same table within this process.
// Two processes importing overlapping data at the same time can still both
// pass the duplicate check; such duplicates are an accepted outcome.
type Ledger struct {
	store        store.Store
	defaultTable string
	now          func() time.Time

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the entered_at clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDefaultTable overrides the table used when none is given.
func WithDefaultTable(table string) Option {
	return func(l *Ledger) {
		if table != "" {
			l.defaultTable = table
		}
	}
}

// New creates a Ledger over s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        s,
		defaultTable: DefaultTable,
		now:          time.Now,
		tables:       make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DefaultTable returns the table used when callers pass an empty name.
func (l *Ledger) DefaultTable() string {
	return l.defaultTable
}

func (l *Ledger) table(name string) string {
	if name == "" {
		return l.defaultTable
	}
	return name
}

func (l *Ledger) lock(table string) func() {
	l.mu.Lock()
	m, ok := l.tables[table]
	if !ok {
		m = &sync.Mutex{}
		l.tables[table] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// AppendOne appends a single transaction without a duplicate check and
// returns it with EnteredAt assigned.
func (l *Ledger) AppendOne(ctx context.Context, table string, tx domain.Transaction) (domain.Transaction, error) {
	table = l.table(table)
	tx, err := Normalize(tx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("AppendOne: %w", err)
	}
	if err := l.store.OpenTable(ctx, table); err != nil {
		return domain.Transaction{}, fmt.Errorf("AppendOne: open table: %w", err)
	}
	if tx.EnteredAt.IsZero() {
		tx.EnteredAt = l.now()
	}
	if err := l.store.AppendRows(ctx, table, []store.Row{EncodeRow(tx)}); err != nil {
		return domain.Transaction{}, fmt.Errorf("AppendOne: append: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("table", table).
		Str("store", tx.Store).
		Int64("amount", tx.Amount).
		Msg("Appended transaction")
	return tx, nil
}

// AppendBulk appends the records whose duplicate signature is not yet in
// table, nor earlier in the same batch. Records without an institution are
// stamped with institution. Every record is normalized first and one
// invalid record rejects the batch before anything is read or written. All
// accepted rows go to the store in one call; a failing call fails the whole
// batch.
func (l *Ledger) AppendBulk(ctx context.Context, table string, records []domain.Transaction, institution string) (BulkResult, error) {
	table = l.table(table)
	log := logger.FromContext(ctx).With().Str("table", table).Str("institution", institution).Logger()

	normalized := make([]domain.Transaction, len(records))
	for i, tx := range records {
		if strings.TrimSpace(tx.Institution) == "" {
			tx.Institution = institution
		}
		n, err := Normalize(tx)
		if err != nil {
			return BulkResult{}, fmt.Errorf("AppendBulk: record %d: %w", i, err)
		}
		normalized[i] = n
	}

	unlock := l.lock(table)
	defer unlock()

	if err := l.store.OpenTable(ctx, table); err != nil {
		return BulkResult{}, fmt.Errorf("AppendBulk: open table: %w", err)
	}

	existing, err := l.store.ListRows(ctx, table)
	if err != nil {
		return BulkResult{}, fmt.Errorf("AppendBulk: list rows: %w", err)
	}

	seen := make(map[domain.Signature]struct{}, len(existing)+len(records))
	for _, row := range existing {
		tx, err := DecodeRow(row)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping undecodable stored row")
			continue
		}
		seen[tx.Signature()] = struct{}{}
	}

	var res BulkResult
	now := l.now()
	rows := make([]store.Row, 0, len(records))
	for _, tx := range normalized {
		sig := tx.Signature()
		if _, dup := seen[sig]; dup {
			res.Skipped++
			continue
		}
		seen[sig] = struct{}{}
		if tx.EnteredAt.IsZero() {
			tx.EnteredAt = now
		}
		rows = append(rows, EncodeRow(tx))
		res.Accepted++
	}

	if len(rows) > 0 {
		if err := l.store.AppendRows(ctx, table, rows); err != nil {
			return BulkResult{}, fmt.Errorf("AppendBulk: append: %w", err)
		}
	}

	log.Info().Int("accepted", res.Accepted).Int("skipped", res.Skipped).Msg("Bulk append finished")
	return res, nil
}

// List returns every decodable transaction in table. Rows with an
// unparseable date or amount are dropped.
func (l *Ledger) List(ctx context.Context, table string) ([]domain.Transaction, error) {
	table = l.table(table)
	rows, err := l.store.ListRows(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	out := make([]domain.Transaction, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		tx, err := DecodeRow(row)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, tx)
	}
	if dropped > 0 {
		log := logger.FromContext(ctx)
		log.Debug().Str("table", table).Int("dropped", dropped).Msg("Dropped undecodable rows")
	}
	return out, nil
}
