package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/store"
)

// mockStore is a hand-written Store whose calls can be overridden.
type mockStore struct {
	*store.Memory
	AppendRowsFunc func(ctx context.Context, table string, rows []store.Row) error
	appendCalls    int
}

func (m *mockStore) AppendRows(ctx context.Context, table string, rows []store.Row) error {
	m.appendCalls++
	if m.AppendRowsFunc != nil {
		return m.AppendRowsFunc(ctx, table, rows)
	}
	return m.Memory.AppendRows(ctx, table, rows)
}

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

func newTestLedger(t *testing.T) (*Ledger, *mockStore) {
	t.Helper()
	ms := &mockStore{Memory: store.NewMemory(DefaultTable)}
	return New(ms, WithClock(func() time.Time { return fixedNow })), ms
}

func sampleRecords(n int) []domain.Transaction {
	out := make([]domain.Transaction, n)
	for i := range out {
		bal := int64(10000 - i*100)
		out[i] = domain.Transaction{
			Date:        civil.Date{Year: 2024, Month: 2, Day: 1 + i%28},
			Store:       fmt.Sprintf("店%d", i),
			Category1:   domain.Expense,
			Category2:   domain.Uncategorized,
			Amount:      int64(100 + i),
			Institution: "M銀行",
			Balance:     &bal,
		}
	}
	return out
}

func TestAppendBulk_Idempotent(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLedger(t)
			records := sampleRecords(n)

			first, err := l.AppendBulk(ctx, "", records, "M銀行")
			require.NoError(t, err)
			assert.Equal(t, BulkResult{Accepted: n, Skipped: 0}, first)

			second, err := l.AppendBulk(ctx, "", records, "M銀行")
			require.NoError(t, err)
			assert.Equal(t, BulkResult{Accepted: 0, Skipped: n}, second)
		})
	}
}

func TestAppendBulk_SignatureStableUnderCategoryEdit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	records := sampleRecords(3)

	_, err := l.AppendBulk(ctx, "", records, "M銀行")
	require.NoError(t, err)

	for i := range records {
		records[i].Category2 = "食費"
	}
	res, err := l.AppendBulk(ctx, "", records, "M銀行")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Accepted: 0, Skipped: 3}, res)
}

func TestAppendBulk_InBatchDuplicates(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)
	rec := sampleRecords(1)[0]

	res, err := l.AppendBulk(ctx, "", []domain.Transaction{rec, rec, rec}, "M銀行")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Accepted: 1, Skipped: 2}, res)

	rows, err := ms.ListRows(ctx, DefaultTable)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAppendBulk_StampsInstitutionAndEnteredAt(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rec := sampleRecords(1)[0]
	rec.Institution = ""

	_, err := l.AppendBulk(ctx, "", []domain.Transaction{rec}, "Y銀行")
	require.NoError(t, err)

	got, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Y銀行", got[0].Institution)
	assert.True(t, fixedNow.Equal(got[0].EnteredAt))
}

func TestAppendBulk_TableNotFound(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)

	_, err := l.AppendBulk(ctx, "Missing", sampleRecords(2), "M銀行")
	assert.True(t, errors.Is(err, store.ErrTableNotFound))
	assert.Zero(t, ms.appendCalls)
}

func TestAppendBulk_StorageFailureAbortsBatch(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)
	ms.AppendRowsFunc = func(context.Context, string, []store.Row) error {
		return errors.New("quota exceeded")
	}

	res, err := l.AppendBulk(ctx, "", sampleRecords(4), "M銀行")
	require.Error(t, err)
	assert.Equal(t, BulkResult{}, res)
	assert.Equal(t, 1, ms.appendCalls, "accepted rows go to the store in one call")

	rows, err := ms.ListRows(ctx, DefaultTable)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAppendOne_NoDuplicateCheck(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rec := sampleRecords(1)[0]

	first, err := l.AppendOne(ctx, "", rec)
	require.NoError(t, err)
	assert.True(t, fixedNow.Equal(first.EnteredAt))

	_, err = l.AppendOne(ctx, "", rec)
	require.NoError(t, err)

	got, err := l.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAppendOne_KeepsExistingEnteredAt(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rec := sampleRecords(1)[0]
	rec.EnteredAt = time.Date(2023, 1, 1, 0, 0, 0, 0, time.Local)

	got, err := l.AppendOne(ctx, "", rec)
	require.NoError(t, err)
	assert.True(t, rec.EnteredAt.Equal(got.EnteredAt))
}

func TestAppendBulk_DedupesAgainstLegacyAndTrimmedRows(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)
	require.NoError(t, ms.Memory.AppendRows(ctx, DefaultTable, []store.Row{
		{"2024-02-01", "手入力", "支出", "食費", "500", "2024-02-01 10:00:00"},
		{"2024/01/31", "旧データ", "食費", "800", "2024-01-31 10:00:00", "まさ"},
		{"壊れた日付", "x", "支出", "", "1"},
	}))

	res, err := l.AppendBulk(ctx, "", []domain.Transaction{
		{Date: civil.Date{Year: 2024, Month: 2, Day: 1}, Store: "手入力", Category1: domain.Expense, Category2: "外食費", Amount: 500},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Accepted: 0, Skipped: 1}, res)
}

func TestAppendBulk_RejectsUnstorableRecords(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx *domain.Transaction)
	}{
		{"missing direction", func(tx *domain.Transaction) { tx.Category1 = domain.Unspecified }},
		{"out of range direction", func(tx *domain.Transaction) { tx.Category1 = domain.Category1(42) }},
		{"zero date", func(tx *domain.Transaction) { tx.Date = civil.Date{} }},
		{"impossible date", func(tx *domain.Transaction) { tx.Date = civil.Date{Year: 2024, Month: 2, Day: 30} }},
		{"negative amount", func(tx *domain.Transaction) { tx.Amount = -500 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, ms := newTestLedger(t)
			records := sampleRecords(3)
			tt.mutate(&records[1])

			res, err := l.AppendBulk(ctx, "", records, "M銀行")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRecord))
			assert.Contains(t, err.Error(), "record 1")
			assert.Equal(t, BulkResult{}, res)
			assert.Zero(t, ms.appendCalls)

			_, err = l.AppendOne(ctx, "", records[1])
			assert.True(t, errors.Is(err, ErrInvalidRecord))
			assert.Zero(t, ms.appendCalls)
		})
	}
}

func TestAppendBulk_TrimsBeforeSignature(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rec := sampleRecords(1)[0]
	rec.Store = "  スーパーA "
	rec.Member = "まさ　"
	rec.Institution = " M銀行"

	first, err := l.AppendBulk(ctx, "", []domain.Transaction{rec}, "")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Accepted: 1}, first)

	second, err := l.AppendBulk(ctx, "", []domain.Transaction{rec}, "")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Skipped: 1}, second)

	clean := rec
	clean.Store, clean.Member, clean.Institution = "スーパーA", "まさ", "M銀行"
	third, err := l.AppendBulk(ctx, "", []domain.Transaction{clean}, "")
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Skipped: 1}, third)

	got, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, clean.Signature(), got[0].Signature())
}

func TestAppendOne_StoresWhatListReturns(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rec := sampleRecords(1)[0]
	rec.Store = "パン屋 "
	rec.Category2 = " 食費"

	saved, err := l.AppendOne(ctx, "", rec)
	require.NoError(t, err)
	assert.Equal(t, "パン屋", saved.Store)
	assert.Equal(t, "食費", saved.Category2)

	got, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, saved.Signature(), got[0].Signature())
}

func TestNormalize_AllowsZeroAmount(t *testing.T) {
	rec := sampleRecords(1)[0]
	rec.Amount = 0
	_, err := Normalize(rec)
	assert.NoError(t, err)
}
