// Package bigquery implements store.Store on BigQuery tables whose columns
// are all STRING, so transaction and master rows keep the exact cell text
// they would have in the spreadsheet.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/store"
)

const (
	// insertedAtColumn and seqColumn order rows by insertion.
	insertedAtColumn = "_inserted_at"
	seqColumn        = "_seq"

	defaultTimeout = 30 * time.Second
)

// RowStore is a store.Store backed by a BigQuery dataset.
type RowStore struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	timeout   time.Duration
	now       func() time.Time
}

// NewRowStore creates a RowStore with a shared BigQuery client.
func NewRowStore(ctx context.Context, projectID, datasetID string, timeout time.Duration) (*RowStore, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRowStore: creating client: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RowStore{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
		timeout:   timeout,
		now:       time.Now,
	}, nil
}

// Close closes the BigQuery client connection.
func (s *RowStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RowStore) table(name string) *bigquery.Table {
	return s.client.DatasetInProject(s.projectID, s.datasetID).Table(name)
}

// EnsureTable creates table with one STRING column per header cell plus the
// ordering columns. An existing table is left untouched.
func (s *RowStore) EnsureTable(ctx context.Context, table string, header []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.table(table).Create(ctx, &bigquery.TableMetadata{Schema: tableSchema(header)})
	if err != nil && !isStatus(err, http.StatusConflict) {
		return fmt.Errorf("EnsureTable: creating %s: %w", table, err)
	}
	log := logger.FromContext(ctx)
	log.Debug().Str("table", table).Msg("BigQuery table ready")
	return nil
}

// OpenTable implements store.Store.
func (s *RowStore) OpenTable(ctx context.Context, table string) error {
	_, err := s.columns(ctx, table)
	return err
}

// columns returns the data column names of table, ordering columns excluded.
func (s *RowStore) columns(ctx context.Context, table string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	md, err := s.table(table).Metadata(ctx)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("OpenTable: %s: %w", table, store.ErrTableNotFound)
		}
		return nil, fmt.Errorf("OpenTable: %s: metadata: %w", table, err)
	}
	var cols []string
	for _, f := range md.Schema {
		if f.Name == insertedAtColumn || f.Name == seqColumn {
			continue
		}
		cols = append(cols, f.Name)
	}
	return cols, nil
}

// ListRows implements store.Store.
func (s *RowStore) ListRows(ctx context.Context, table string) ([]store.Row, error) {
	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	q := s.client.Query(fmt.Sprintf("SELECT %s FROM `%s.%s.%s` ORDER BY %s, %s",
		strings.Join(quoted, ", "), s.projectID, s.datasetID, table, insertedAtColumn, seqColumn))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRows: %s: query read: %w", table, err)
	}

	var rows []store.Row
	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRows: %s: iter next: %w", table, err)
		}
		rows = append(rows, fromValues(values))
	}
	return rows, nil
}

// AppendRows implements store.Store with a single streaming insert.
func (s *RowStore) AppendRows(ctx context.Context, table string, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols, err := s.columns(ctx, table)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	savers := toSavers(cols, rows, s.now())
	if err := s.table(table).Inserter().Put(ctx, savers); err != nil {
		return fmt.Errorf("AppendRows: %s: inserting rows: %w", table, err)
	}
	return nil
}

func tableSchema(header []string) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(header)+2)
	for _, h := range header {
		schema = append(schema, &bigquery.FieldSchema{Name: columnName(h), Type: bigquery.StringFieldType})
	}
	return append(schema,
		&bigquery.FieldSchema{Name: insertedAtColumn, Type: bigquery.TimestampFieldType, Required: true},
		&bigquery.FieldSchema{Name: seqColumn, Type: bigquery.IntegerFieldType, Required: true},
	)
}

// columnName maps a header cell to a valid BigQuery column name.
func columnName(h string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(h) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "c_" + name
	}
	return name
}

// toSavers builds insert rows. Cells beyond the table's columns are dropped;
// missing cells are NULL.
func toSavers(cols []string, rows []store.Row, at time.Time) []*bigquery.ValuesSaver {
	schema := make(bigquery.Schema, 0, len(cols)+2)
	for _, c := range cols {
		schema = append(schema, &bigquery.FieldSchema{Name: c, Type: bigquery.StringFieldType})
	}
	schema = append(schema,
		&bigquery.FieldSchema{Name: insertedAtColumn, Type: bigquery.TimestampFieldType},
		&bigquery.FieldSchema{Name: seqColumn, Type: bigquery.IntegerFieldType},
	)

	savers := make([]*bigquery.ValuesSaver, 0, len(rows))
	for i, r := range rows {
		values := make([]bigquery.Value, 0, len(cols)+2)
		for j := range cols {
			if j < len(r) {
				values = append(values, r[j])
			} else {
				values = append(values, nil)
			}
		}
		values = append(values, at, int64(i))
		savers = append(savers, &bigquery.ValuesSaver{
			Schema:   schema,
			InsertID: bigquery.NoDedupeID,
			Row:      values,
		})
	}
	return savers
}

// fromValues converts a result row to cells, NULL as empty and trailing
// empty cells trimmed.
func fromValues(values []bigquery.Value) store.Row {
	row := make(store.Row, len(values))
	for i, v := range values {
		if v != nil {
			row[i] = fmt.Sprint(v)
		}
	}
	for len(row) > 0 && row[len(row)-1] == "" {
		row = row[:len(row)-1]
	}
	return row
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
