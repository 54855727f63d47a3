// Package institution describes how each financial institution's CSV export
// is laid out. Everything downstream is driven by these schemas, never by
// institution identity.
package institution

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dvloznov/kakeibo/internal/domain"
)

// ErrUnknownInstitution is returned by Lookup for unregistered identifiers.
var ErrUnknownInstitution = errors.New("unknown institution")

// Shape selects the extraction algorithm for a schema.
type Shape int

const (
	// SingleAmount exports carry one signed amount column.
	SingleAmount Shape = iota + 1
	// DualColumn exports carry separate unsigned expense and income columns.
	DualColumn
	// MemberBearing exports carry an amount column plus the card holder.
	MemberBearing
	// CustomLoader exports are not simple tables and need a named loader.
	CustomLoader
)

func (s Shape) String() string {
	switch s {
	case SingleAmount:
		return "single-amount"
	case DualColumn:
		return "dual-column"
	case MemberBearing:
		return "member-bearing"
	case CustomLoader:
		return "custom-loader"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// Encoding of the raw export bytes.
type Encoding string

const (
	UTF8     Encoding = "utf-8"
	ShiftJIS Encoding = "shift_jis"
)

// Loader names for CustomLoader schemas.
const (
	LoaderHoldingsSnapshot = "holdings_snapshot"
)

// Schema is the immutable description of one institution's export.
type Schema struct {
	ID       string
	Encoding Encoding
	Shape    Shape

	DateCol    string
	StoreCol   string
	AmountCol  string // SingleAmount, MemberBearing
	ExpenseCol string // DualColumn
	IncomeCol  string // DualColumn
	MemberCol  string // MemberBearing
	BalanceCol string // optional

	// PositiveIs is the direction of a positive amount for SingleAmount and
	// MemberBearing exports. Bank statements sign withdrawals negative, card
	// statements list charges as positive numbers.
	PositiveIs domain.Category1

	Loader string // CustomLoader

	// Table overrides the destination table. Empty means the default
	// transactions table.
	Table string
}

// RequiredColumns lists the header names that must be present in an export.
func (s Schema) RequiredColumns() []string {
	switch s.Shape {
	case SingleAmount:
		return []string{s.DateCol, s.StoreCol, s.AmountCol}
	case DualColumn:
		cols := []string{s.DateCol, s.StoreCol, s.ExpenseCol, s.IncomeCol}
		if s.BalanceCol != "" {
			cols = append(cols, s.BalanceCol)
		}
		return cols
	case MemberBearing:
		return []string{s.DateCol, s.StoreCol, s.AmountCol, s.MemberCol}
	default:
		return nil
	}
}

// Validate checks that the schema has the columns its shape needs.
func (s Schema) Validate() error {
	if s.ID == "" {
		return errors.New("Validate: schema id is empty")
	}
	switch s.Shape {
	case SingleAmount, DualColumn, MemberBearing:
		for _, c := range s.RequiredColumns() {
			if c == "" {
				return fmt.Errorf("Validate: %s: %s schema has an empty column name", s.ID, s.Shape)
			}
		}
	case CustomLoader:
		if s.Loader == "" {
			return fmt.Errorf("Validate: %s: custom loader name is empty", s.ID)
		}
	default:
		return fmt.Errorf("Validate: %s: unsupported shape %s", s.ID, s.Shape)
	}
	switch s.Encoding {
	case UTF8, ShiftJIS:
	default:
		return fmt.Errorf("Validate: %s: unsupported encoding %q", s.ID, s.Encoding)
	}
	return nil
}

// Registry is a read-only set of schemas keyed by institution id.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds a registry, rejecting invalid or duplicate schemas.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("NewRegistry: %w", err)
		}
		if _, ok := r.schemas[s.ID]; ok {
			return nil, fmt.Errorf("NewRegistry: duplicate institution %q", s.ID)
		}
		r.schemas[s.ID] = s
	}
	return r, nil
}

// Lookup returns the schema registered under id.
func (r *Registry) Lookup(id string) (Schema, error) {
	s, ok := r.schemas[id]
	if !ok {
		return Schema{}, fmt.Errorf("Lookup: %q: %w", id, ErrUnknownInstitution)
	}
	return s, nil
}

// IDs returns the registered institution ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default returns the registry of the institutions the household uses.
func Default() *Registry {
	r, err := NewRegistry(DefaultSchemas()...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultSchemas returns the built-in institution schemas.
func DefaultSchemas() []Schema {
	return []Schema{
		{
			ID:         "M銀行",
			Encoding:   ShiftJIS,
			Shape:      DualColumn,
			DateCol:    "日付",
			StoreCol:   "内容",
			ExpenseCol: "出金金額(円)",
			IncomeCol:  "入金金額(円)",
			BalanceCol: "残高(円)",
		},
		{
			ID:         "Y銀行",
			Encoding:   UTF8,
			Shape:      SingleAmount,
			DateCol:    "取引日",
			StoreCol:   "摘要",
			AmountCol:  "金額",
			BalanceCol: "残高",
			PositiveIs: domain.Income,
		},
		{
			ID:         "Rカード",
			Encoding:   UTF8,
			Shape:      MemberBearing,
			DateCol:    "利用日",
			StoreCol:   "利用店名・商品名",
			AmountCol:  "利用金額",
			MemberCol:  "利用者",
			PositiveIs: domain.Expense,
		},
		{
			ID:       "S証券",
			Encoding: ShiftJIS,
			Shape:    CustomLoader,
			Loader:   LoaderHoldingsSnapshot,
			Table:    "Asset_Log",
		},
	}
}
