// Package store defines the row-oriented table store that backs the
// transaction log and the category master. Concrete backends live under
// internal/infra.
package store

import (
	"context"
	"errors"
)

// ErrTableNotFound is returned when the named table does not exist.
var ErrTableNotFound = errors.New("table not found")

// Row is one table row as a slice of cell strings.
type Row = []string

// Store is the spreadsheet-like persistence surface consumed by the core.
type Store interface {
	// OpenTable checks that table exists, returning ErrTableNotFound if not.
	OpenTable(ctx context.Context, table string) error
	// ListRows returns every data row of table, header excluded, in
	// insertion order.
	ListRows(ctx context.Context, table string) ([]Row, error)
	// AppendRows appends rows to table in a single storage call.
	AppendRows(ctx context.Context, table string, rows []Row) error
}

// TableCreator is implemented by backends that can provision tables.
type TableCreator interface {
	EnsureTable(ctx context.Context, table string, header []string) error
}

// Transaction and master table headers.
var (
	TransactionHeader = []string{"date", "store", "category_1", "category_2", "amount", "entered_at", "member", "institution", "balance"}
	MasterHeader      = []string{"keyword", "category"}
)
