package extract

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/institution"
)

var dualSchema = institution.Schema{
	ID:         "TestBank",
	Encoding:   institution.UTF8,
	Shape:      institution.DualColumn,
	DateCol:    "日付",
	StoreCol:   "内容",
	ExpenseCol: "出金",
	IncomeCol:  "入金",
	BalanceCol: "残高",
}

func extractAll(t *testing.T, csvText string, schema institution.Schema, opts Options) []domain.Transaction {
	t.Helper()
	e, err := Extract(context.Background(), strings.NewReader(csvText), schema, opts)
	require.NoError(t, err)
	out := e.Collect()
	require.NoError(t, e.Err())
	return out
}

func TestExtract_DualColumnSplit(t *testing.T) {
	tests := []struct {
		name    string
		row     string
		want    []domain.Category1
		amounts []int64
	}{
		{"expense only", "2024/01/10,スーパー,1000,0,5000", []domain.Category1{domain.Expense}, []int64{1000}},
		{"income only", "2024/01/10,給与,0,500,5500", []domain.Category1{domain.Income}, []int64{500}},
		{"neither", "2024/01/10,記帳,0,0,5500", nil, nil},
		{"both", "2024/01/10,振替,1000,500,5000", []domain.Category1{domain.Expense, domain.Income}, []int64{1000, 500}},
		{"blank cells", "2024/01/10,記帳,,,5500", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractAll(t, "日付,内容,出金,入金,残高\n"+tt.row+"\n", dualSchema, Options{})
			require.Len(t, got, len(tt.want))
			for i, tx := range got {
				assert.Equal(t, tt.want[i], tx.Category1)
				assert.Equal(t, tt.amounts[i], tx.Amount)
				require.NotNil(t, tx.Balance)
				assert.Equal(t, "TestBank", tx.Institution)
			}
		})
	}
}

func TestExtract_DualColumnBalanceIsPerRecord(t *testing.T) {
	got := extractAll(t, "日付,内容,出金,入金,残高\n2024/01/10,振替,1000,500,\"5,000\"\n", dualSchema, Options{})
	require.Len(t, got, 2)
	assert.Equal(t, int64(5000), *got[0].Balance)
	assert.Equal(t, int64(5000), *got[1].Balance)
	*got[0].Balance = 1
	assert.Equal(t, int64(5000), *got[1].Balance)
}

func TestExtract_IncomeUncategorizedBecomesOther(t *testing.T) {
	suggest := func(store string) string {
		if strings.Contains(store, "スーパー") {
			return "食費"
		}
		return domain.Uncategorized
	}
	got := extractAll(t, "日付,内容,出金,入金,残高\n2024/01/10,スーパー,800,0,1\n2024/01/11,給与,0,300000,2\n2024/01/12,謎,50,0,3\n",
		dualSchema, Options{Suggest: suggest})

	require.Len(t, got, 3)
	assert.Equal(t, "食費", got[0].Category2)
	assert.Equal(t, domain.Other, got[1].Category2)
	assert.Equal(t, domain.Uncategorized, got[2].Category2)
}

func TestExtract_SingleAmountSign(t *testing.T) {
	schema := institution.Schema{ID: "Y", Encoding: institution.UTF8, Shape: institution.SingleAmount,
		DateCol: "取引日", StoreCol: "摘要", AmountCol: "金額", BalanceCol: "残高", PositiveIs: domain.Income}

	got := extractAll(t, "取引日,摘要,金額\n2024-02-01,電気代,\"-8,200\"\n2024-02-02,利息,12\n2024-02-03,ゼロ,0\n2024-02-04,壊れ,abc\n",
		schema, Options{Member: "ゆう"})

	require.Len(t, got, 2)
	assert.Equal(t, domain.Expense, got[0].Category1)
	assert.Equal(t, int64(8200), got[0].Amount)
	assert.Nil(t, got[0].Balance, "balance column absent from the file is optional")
	assert.Equal(t, domain.Income, got[1].Category1)
	assert.Equal(t, "ゆう", got[1].Member)
}

func TestExtract_SingleAmountOutOfRangeIsDropped(t *testing.T) {
	schema := institution.Schema{ID: "Y", Encoding: institution.UTF8, Shape: institution.SingleAmount,
		DateCol: "取引日", StoreCol: "摘要", AmountCol: "金額", PositiveIs: domain.Income}

	got := extractAll(t, "取引日,摘要,金額\n2024-02-01,桁あふれ,-9223372036854775808\n2024-02-02,上限,-9223372036854775807\n",
		schema, Options{})

	require.Len(t, got, 1)
	assert.Equal(t, "上限", got[0].Store)
	assert.Equal(t, domain.Expense, got[0].Category1)
	assert.Equal(t, int64(9223372036854775807), got[0].Amount)
}

func TestExtract_MemberBearing(t *testing.T) {
	schema := institution.Default()
	rcard, err := schema.Lookup("Rカード")
	require.NoError(t, err)

	got := extractAll(t, "利用日,利用店名・商品名,利用金額,利用者\n2024/03/01,AMAZON,2980,まさ\n2024/03/02,返品,-500,\n",
		rcard, Options{Member: "共通"})

	require.Len(t, got, 2)
	assert.Equal(t, domain.Expense, got[0].Category1)
	assert.Equal(t, "まさ", got[0].Member)
	assert.Equal(t, domain.Income, got[1].Category1)
	assert.Equal(t, "共通", got[1].Member)
}

func TestExtract_DropsUnparseableDates(t *testing.T) {
	e, err := Extract(context.Background(),
		strings.NewReader("日付,内容,出金,入金,残高\n不明,A,100,0,1\n2024/01/01,B,100,0,1\n"),
		dualSchema, Options{})
	require.NoError(t, err)

	got := e.Collect()
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Store)
	assert.Equal(t, 1, e.Dropped())
}

func TestExtract_MissingColumns(t *testing.T) {
	_, err := Extract(context.Background(), strings.NewReader("日付,内容,出金\n2024/01/01,A,100\n"), dualSchema, Options{})

	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, []string{"入金", "残高"}, mismatch.Missing)
}

func TestExtract_EmptyFileIsMismatch(t *testing.T) {
	_, err := Extract(context.Background(), strings.NewReader(""), dualSchema, Options{})
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, dualSchema.RequiredColumns(), mismatch.Missing)
}

func TestExtract_ShiftJIS(t *testing.T) {
	r := institution.Default()
	mbank, err := r.Lookup("M銀行")
	require.NoError(t, err)

	text := "日付,内容,出金金額(円),入金金額(円),残高(円)\n2024/04/01,ｺﾝﾋﾞﾆ,540,,99460\n"
	encoded, err := japanese.ShiftJIS.NewEncoder().String(text)
	require.NoError(t, err)

	e, err := Extract(context.Background(), bytes.NewReader([]byte(encoded)), mbank, Options{})
	require.NoError(t, err)
	got := e.Collect()
	require.Len(t, got, 1)
	assert.Equal(t, "ｺﾝﾋﾞﾆ", got[0].Store)
	assert.Equal(t, int64(540), got[0].Amount)
	assert.Equal(t, int64(99460), *got[0].Balance)
}

func TestExtract_UTF8BOM(t *testing.T) {
	got := extractAll(t, "\ufeff日付,内容,出金,入金,残高\n2024/01/10,A,100,0,1\n", dualSchema, Options{})
	assert.Len(t, got, 1)
}

func TestExtract_SinglePass(t *testing.T) {
	e, err := Extract(context.Background(), strings.NewReader("日付,内容,出金,入金,残高\n2024/01/10,A,100,0,1\n"), dualSchema, Options{})
	require.NoError(t, err)

	assert.Len(t, e.Collect(), 1)
	assert.Empty(t, e.Collect())
}

const holdingsCSV = `ポートフォリオ一覧
株式（現物/特定預り）
銘柄（コード）,数量,取得単価,現在値,評価額
7203 トヨタ自動車,100,"2,000","3,000","300,000"
9984 ソフトバンクG,10,"6,000","9,000","90,000"
株式（現物/特定預り）合計,,,,"390,000"
投資信託（金額/NISA預り）
銘柄,口数,基準価額,評価額
eMAXIS Slim 全世界株式,"10,000","20,000","200,000"
`

func TestExtract_HoldingsSnapshot(t *testing.T) {
	schema, err := institution.Default().Lookup("S証券")
	require.NoError(t, err)

	e, err := Extract(context.Background(), strings.NewReader(holdingsCSV), institution.Schema{
		ID: schema.ID, Encoding: institution.UTF8, Shape: schema.Shape, Loader: schema.Loader,
	}, Options{Filename: "assets_20240315.csv", Member: "まさ"})
	require.NoError(t, err)
	assert.Empty(t, e.Warnings)

	got := e.Collect()
	require.Len(t, got, 3)
	for _, tx := range got {
		assert.Equal(t, domain.Asset, tx.Category1)
		assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 15}, tx.Date)
		assert.Nil(t, tx.Balance)
		assert.Equal(t, "まさ", tx.Member)
	}
	assert.Equal(t, "7203 トヨタ自動車", got[0].Store)
	assert.Equal(t, int64(300000), got[0].Amount)
	assert.Equal(t, "株式（現物/特定預り）", got[0].Category2)
	assert.Equal(t, "投資信託（金額/NISA預り）", got[2].Category2)
	assert.Equal(t, int64(200000), got[2].Amount)
}

func TestExtract_HoldingsFallbackDate(t *testing.T) {
	schema := institution.Schema{ID: "S証券", Encoding: institution.UTF8, Shape: institution.CustomLoader, Loader: institution.LoaderHoldingsSnapshot}
	today := civil.Date{Year: 2024, Month: 5, Day: 1}

	e, err := Extract(context.Background(), strings.NewReader(holdingsCSV), schema, Options{Filename: "assets.csv", Today: today})
	require.NoError(t, err)
	require.Len(t, e.Warnings, 1)
	assert.Contains(t, e.Warnings[0], "assets.csv")
	for _, tx := range e.Collect() {
		assert.Equal(t, today, tx.Date)
	}

	_, err = Extract(context.Background(), strings.NewReader(holdingsCSV), schema, Options{Filename: "assets.csv"})
	assert.True(t, errors.Is(err, ErrNoAsOfDate))
}

func TestExtract_HoldingsWithoutHeader(t *testing.T) {
	schema := institution.Schema{ID: "S証券", Encoding: institution.UTF8, Shape: institution.CustomLoader, Loader: institution.LoaderHoldingsSnapshot}

	_, err := Extract(context.Background(), strings.NewReader("a,b\n1,2\n"), schema, Options{Filename: "x_20240101.csv"})
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, []string{"銘柄", "評価額"}, mismatch.Missing)
}
