// Package extract turns institution CSV exports into candidate transactions.
package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	"cloud.google.com/go/civil"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/logger"
)

// SchemaMismatchError reports schema columns absent from an export header.
type SchemaMismatchError struct {
	Institution string
	Missing     []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: missing columns: %s", e.Institution, strings.Join(e.Missing, ", "))
}

// ErrNoAsOfDate is returned for snapshot exports whose filename carries no
// date when the caller supplied no fallback.
var ErrNoAsOfDate = errors.New("snapshot date unknown")

// Suggester proposes a category_2 for a store name.
type Suggester func(store string) string

// Options carries the caller's choices for one extraction.
type Options struct {
	// Member is the default member; member-bearing exports override it per row.
	Member string
	// Filename of the upload; snapshot exports take their as-of date from it.
	Filename string
	// Today is the as-of date for snapshot exports without a filename date.
	Today civil.Date
	// Suggest proposes category_2. Nil suggests nothing.
	Suggest Suggester
}

// Extraction is a lazily evaluated, single-pass sequence of candidate
// transactions.
type Extraction struct {
	Institution string
	Warnings    []string

	records  iter.Seq[domain.Transaction]
	consumed bool
	dropped  int
	err      error
}

// Records returns the candidate sequence. It can be ranged over once;
// later iterations yield nothing.
func (e *Extraction) Records() iter.Seq[domain.Transaction] {
	return func(yield func(domain.Transaction) bool) {
		if e.consumed {
			return
		}
		e.consumed = true
		e.records(yield)
	}
}

// Collect drains the sequence into a slice.
func (e *Extraction) Collect() []domain.Transaction {
	out := slices.Collect(e.Records())
	if out == nil {
		out = []domain.Transaction{}
	}
	return out
}

// Dropped is the number of source rows discarded because of an unparseable
// date or malformed CSV line. Valid after iteration.
func (e *Extraction) Dropped() int { return e.dropped }

// Err is the read error that ended iteration early, if any.
func (e *Extraction) Err() error { return e.err }

// Extract validates the export header against schema and returns the lazy
// record sequence. A missing column yields *SchemaMismatchError before any
// row is produced.
func Extract(ctx context.Context, r io.Reader, schema institution.Schema, opts Options) (*Extraction, error) {
	if opts.Suggest == nil {
		opts.Suggest = func(string) string { return domain.Uncategorized }
	}

	cr := newCSVReader(decode(r, schema.Encoding))

	switch schema.Shape {
	case institution.SingleAmount, institution.DualColumn, institution.MemberBearing:
		return extractTable(ctx, cr, schema, opts)
	case institution.CustomLoader:
		switch schema.Loader {
		case institution.LoaderHoldingsSnapshot:
			return extractHoldings(ctx, cr, schema, opts)
		default:
			return nil, fmt.Errorf("Extract: %s: unknown loader %q", schema.ID, schema.Loader)
		}
	default:
		return nil, fmt.Errorf("Extract: %s: unsupported shape %s", schema.ID, schema.Shape)
	}
}

func decode(r io.Reader, enc institution.Encoding) io.Reader {
	switch enc {
	case institution.ShiftJIS:
		return transform.NewReader(r, japanese.ShiftJIS.NewDecoder())
	default:
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	}
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false
	return cr
}

type columns map[string]int

func indexHeader(header []string) columns {
	idx := make(columns, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, ok := idx[h]; !ok {
			idx[h] = i
		}
	}
	return idx
}

func (c columns) get(rec []string, name string) (string, bool) {
	i, ok := c[name]
	if !ok || i >= len(rec) {
		return "", false
	}
	return strings.TrimSpace(rec[i]), true
}

func extractTable(ctx context.Context, cr *csv.Reader, schema institution.Schema, opts Options) (*Extraction, error) {
	header, err := cr.Read()
	if err == io.EOF {
		return nil, &SchemaMismatchError{Institution: schema.ID, Missing: schema.RequiredColumns()}
	}
	if err != nil {
		return nil, fmt.Errorf("Extract: reading header: %w", err)
	}

	cols := indexHeader(header)
	var missing []string
	for _, name := range schema.RequiredColumns() {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaMismatchError{Institution: schema.ID, Missing: missing}
	}

	log := logger.FromContext(ctx).With().Str("institution", schema.ID).Logger()
	e := &Extraction{Institution: schema.ID}
	rb := rowBuilder{schema: schema, opts: opts, cols: cols}

	e.records = func(yield func(domain.Transaction) bool) {
		line := 1
		for {
			rec, err := cr.Read()
			line++
			if err == io.EOF {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					e.dropped++
					log.Debug().Err(err).Int("line", line).Msg("Dropping malformed line")
					continue
				}
				e.err = fmt.Errorf("Extract: reading line %d: %w", line, err)
				return
			}

			txs, err := rb.build(rec)
			if err != nil {
				e.dropped++
				log.Debug().Err(err).Int("line", line).Msg("Dropping row")
				continue
			}
			for _, tx := range txs {
				if !yield(tx) {
					return
				}
			}
		}
	}
	return e, nil
}

type rowBuilder struct {
	schema institution.Schema
	opts   Options
	cols   columns
}

func (b rowBuilder) build(rec []string) ([]domain.Transaction, error) {
	dateCell, _ := b.cols.get(rec, b.schema.DateCol)
	date, err := ParseDate(dateCell)
	if err != nil {
		return nil, err
	}
	store, _ := b.cols.get(rec, b.schema.StoreCol)

	base := domain.Transaction{
		Date:        date,
		Store:       store,
		Member:      b.opts.Member,
		Institution: b.schema.ID,
		Balance:     b.balance(rec),
	}

	switch b.schema.Shape {
	case institution.DualColumn:
		return b.dual(base, rec), nil
	case institution.MemberBearing:
		if m, _ := b.cols.get(rec, b.schema.MemberCol); m != "" {
			base.Member = m
		}
		return b.signed(base, rec), nil
	case institution.SingleAmount:
		return b.signed(base, rec), nil
	default:
		return nil, fmt.Errorf("build: unsupported shape %s", b.schema.Shape)
	}
}

func (b rowBuilder) balance(rec []string) *int64 {
	if b.schema.BalanceCol == "" {
		return nil
	}
	cell, ok := b.cols.get(rec, b.schema.BalanceCol)
	if !ok {
		return nil
	}
	v, err := ParseAmount(cell)
	if err != nil {
		return nil
	}
	return &v
}

func (b rowBuilder) signed(base domain.Transaction, rec []string) []domain.Transaction {
	cell, _ := b.cols.get(rec, b.schema.AmountCol)
	raw := amountOrZero(cell)
	if raw == 0 {
		return nil
	}

	positive := b.schema.PositiveIs
	if positive == domain.Unspecified {
		positive = domain.Income
	}
	dir := positive
	if raw < 0 {
		dir = opposite(positive)
		raw = -raw
	}
	return []domain.Transaction{b.record(base, dir, raw)}
}

func (b rowBuilder) dual(base domain.Transaction, rec []string) []domain.Transaction {
	var out []domain.Transaction

	expCell, _ := b.cols.get(rec, b.schema.ExpenseCol)
	if v := amountOrZero(expCell); v > 0 {
		out = append(out, b.record(base, domain.Expense, v))
	}
	incCell, _ := b.cols.get(rec, b.schema.IncomeCol)
	if v := amountOrZero(incCell); v > 0 {
		out = append(out, b.record(base, domain.Income, v))
	}
	return out
}

func (b rowBuilder) record(base domain.Transaction, dir domain.Category1, amount int64) domain.Transaction {
	tx := base
	tx.Category1 = dir
	tx.Amount = amount
	tx.Category2 = b.opts.Suggest(tx.Store)
	if dir == domain.Income && tx.Category2 == domain.Uncategorized {
		tx.Category2 = domain.Other
	}
	if base.Balance != nil {
		v := *base.Balance
		tx.Balance = &v
	}
	return tx
}

func opposite(c domain.Category1) domain.Category1 {
	if c == domain.Expense {
		return domain.Income
	}
	return domain.Expense
}
