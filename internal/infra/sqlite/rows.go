// Package sqlite implements store.Store on a local SQLite file. Every logical
// table lives in one generic rows table, each row stored as a JSON array of
// cells.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sheet_tables (
	name TEXT PRIMARY KEY,
	header TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sheet_rows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	cells TEXT NOT NULL,
	FOREIGN KEY(table_name) REFERENCES sheet_tables(name)
);

CREATE INDEX IF NOT EXISTS idx_sheet_rows_table ON sheet_rows(table_name, id);
`

// RowStore is a store.Store backed by SQLite.
type RowStore struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, timeout time.Duration) (*RowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Open: opening %s: %w", path, err)
	}
	// One writer keeps AppendRows transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: migrating %s: %w", path, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log := logger.FromContext(ctx)
	log.Debug().Str("path", path).Msg("SQLite store opened")
	return &RowStore{db: db, timeout: timeout}, nil
}

// Close closes the database.
func (s *RowStore) Close() error {
	return s.db.Close()
}

// EnsureTable registers table with its header. An existing table keeps its
// header.
func (s *RowStore) EnsureTable(ctx context.Context, table string, header []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("EnsureTable: encoding header: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sheet_tables (name, header) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		table, string(h)); err != nil {
		return fmt.Errorf("EnsureTable: %s: %w", table, err)
	}
	return nil
}

// OpenTable implements store.Store.
func (s *RowStore) OpenTable(ctx context.Context, table string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sheet_tables WHERE name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("OpenTable: %s: %w", table, store.ErrTableNotFound)
	}
	if err != nil {
		return fmt.Errorf("OpenTable: %s: %w", table, err)
	}
	return nil
}

// ListRows implements store.Store.
func (s *RowStore) ListRows(ctx context.Context, table string) ([]store.Row, error) {
	if err := s.OpenTable(ctx, table); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rs, err := s.db.QueryContext(ctx, `SELECT cells FROM sheet_rows WHERE table_name = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("ListRows: %s: query: %w", table, err)
	}
	defer rs.Close()

	var rows []store.Row
	for rs.Next() {
		var raw string
		if err := rs.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ListRows: %s: scan: %w", table, err)
		}
		var row store.Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("ListRows: %s: decoding row: %w", table, err)
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("ListRows: %s: %w", table, err)
	}
	return rows, nil
}

// AppendRows implements store.Store. The rows are written in one
// transaction, so either all or none are stored.
func (s *RowStore) AppendRows(ctx context.Context, table string, rows []store.Row) error {
	if err := s.OpenTable(ctx, table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AppendRows: %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sheet_rows (table_name, cells) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("AppendRows: %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	for i, r := range rows {
		cells, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("AppendRows: %s: encoding row %d: %w", table, i, err)
		}
		if _, err := stmt.ExecContext(ctx, table, string(cells)); err != nil {
			return fmt.Errorf("AppendRows: %s: row %d: %w", table, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AppendRows: %s: commit: %w", table, err)
	}
	return nil
}
