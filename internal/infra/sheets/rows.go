// Package sheets implements store.Store on a Google Sheets spreadsheet, one
// worksheet per table with the header in the first row.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/store"
)

// RowStore is a store.Store backed by one spreadsheet.
type RowStore struct {
	srv           *sheets.Service
	spreadsheetID string
	timeout       time.Duration
}

// NewRowStore creates a RowStore. credentialsFile may be empty to use
// application default credentials.
func NewRowStore(ctx context.Context, spreadsheetID, credentialsFile string, timeout time.Duration) (*RowStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewRowStore: creating sheets service: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RowStore{srv: srv, spreadsheetID: spreadsheetID, timeout: timeout}, nil
}

func (s *RowStore) titles(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sp, err := s.srv.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetching spreadsheet %s: %w", s.spreadsheetID, err)
	}
	titles := make(map[string]bool, len(sp.Sheets))
	for _, sh := range sp.Sheets {
		if sh.Properties != nil {
			titles[sh.Properties.Title] = true
		}
	}
	return titles, nil
}

// OpenTable implements store.Store.
func (s *RowStore) OpenTable(ctx context.Context, table string) error {
	titles, err := s.titles(ctx)
	if err != nil {
		return fmt.Errorf("OpenTable: %w", err)
	}
	if !titles[table] {
		return fmt.Errorf("OpenTable: %s: %w", table, store.ErrTableNotFound)
	}
	return nil
}

// EnsureTable adds a worksheet with header as its first row when it does
// not exist yet.
func (s *RowStore) EnsureTable(ctx context.Context, table string, header []string) error {
	titles, err := s.titles(ctx)
	if err != nil {
		return fmt.Errorf("EnsureTable: %w", err)
	}
	if titles[table] {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: []*sheets.Request{{
		AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: table}},
	}}}
	if _, err := s.srv.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(tctx).Do(); err != nil {
		return fmt.Errorf("EnsureTable: adding sheet %s: %w", table, err)
	}
	if err := s.append(ctx, table, []store.Row{header}); err != nil {
		return fmt.Errorf("EnsureTable: writing header: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("table", table).Msg("Created worksheet")
	return nil
}

// ListRows implements store.Store. The header row is skipped.
func (s *RowStore) ListRows(ctx context.Context, table string) ([]store.Row, error) {
	if err := s.OpenTable(ctx, table); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vr, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, sheetRange(table)).
		ValueRenderOption("FORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("ListRows: %s: %w", table, err)
	}
	if len(vr.Values) <= 1 {
		return nil, nil
	}
	rows := make([]store.Row, 0, len(vr.Values)-1)
	for _, cells := range vr.Values[1:] {
		rows = append(rows, toRow(cells))
	}
	return rows, nil
}

// AppendRows implements store.Store with a single append call.
func (s *RowStore) AppendRows(ctx context.Context, table string, rows []store.Row) error {
	if err := s.OpenTable(ctx, table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.append(ctx, table, rows); err != nil {
		return fmt.Errorf("AppendRows: %s: %w", table, err)
	}
	return nil
}

func (s *RowStore) append(ctx context.Context, table string, rows []store.Row) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vr := &sheets.ValueRange{Values: toCells(rows)}
	_, err := s.srv.Spreadsheets.Values.Append(s.spreadsheetID, sheetRange(table), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	return err
}

// sheetRange addresses a whole worksheet in A1 notation.
func sheetRange(table string) string {
	return "'" + strings.ReplaceAll(table, "'", "''") + "'"
}

func toCells(rows []store.Row) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		cells := make([]interface{}, len(r))
		for j, c := range r {
			cells[j] = c
		}
		out[i] = cells
	}
	return out
}

func toRow(cells []interface{}) store.Row {
	row := make(store.Row, len(cells))
	for i, c := range cells {
		if c != nil {
			row[i] = fmt.Sprint(c)
		}
	}
	return row
}
