package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/extract"
	"github.com/dvloznov/kakeibo/internal/store"
)

const (
	dateLayout      = "2006-01-02"
	enteredAtLayout = "2006-01-02 15:04:05"
)

// EncodeRow renders a transaction in table column order:
// date | store | category_1 | category_2 | amount | entered_at | member | institution | balance
func EncodeRow(tx domain.Transaction) store.Row {
	entered := ""
	if !tx.EnteredAt.IsZero() {
		entered = tx.EnteredAt.Format(enteredAtLayout)
	}
	return store.Row{
		tx.Date.String(),
		tx.Store,
		tx.Category1.String(),
		tx.Category2,
		strconv.FormatInt(tx.Amount, 10),
		entered,
		tx.Member,
		tx.Institution,
		domain.FormatBalance(tx.Balance),
	}
}

// DecodeRow parses a stored row. Legacy rows
// (date | store | category | amount | entered_at | member) are accepted
// and come back with Category1 Unspecified and the single category in
// Category2.
//
// Backends may trim trailing empty cells, so the layout is recognised by the
// third cell holding a direction label rather than by row width.
func DecodeRow(row store.Row) (domain.Transaction, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	date, err := extract.ParseDate(cell(0))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("DecodeRow: date: %w", err)
	}

	tx := domain.Transaction{Date: date, Store: cell(1)}

	if c1 := domain.ParseCategory1(cell(2)); c1 != domain.Unspecified {
		tx.Category1 = c1
		tx.Category2 = cell(3)
		tx.Amount, err = decodeAmount(cell(4))
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("DecodeRow: %w", err)
		}
		tx.EnteredAt = decodeEnteredAt(cell(5))
		tx.Member = cell(6)
		tx.Institution = cell(7)
		if b := cell(8); b != "" {
			v, err := extract.ParseAmount(b)
			if err != nil {
				return domain.Transaction{}, fmt.Errorf("DecodeRow: balance: %w", err)
			}
			tx.Balance = &v
		}
		return tx, nil
	}

	tx.Category2 = cell(2)
	tx.Amount, err = decodeAmount(cell(3))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("DecodeRow: legacy: %w", err)
	}
	tx.EnteredAt = decodeEnteredAt(cell(4))
	tx.Member = cell(5)
	return tx, nil
}

func decodeAmount(s string) (int64, error) {
	v, err := extract.ParseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("amount: %w", err)
	}
	if v < 0 {
		v = -v
	}
	return v, nil
}

func decodeEnteredAt(s string) time.Time {
	t, err := time.ParseInLocation(enteredAtLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
