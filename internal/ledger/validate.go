package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/kakeibo/internal/domain"
)

// ErrInvalidRecord marks a transaction that cannot be stored as given.
var ErrInvalidRecord = errors.New("invalid transaction record")

// Normalize trims the text fields of tx and checks that the row it encodes
// to decodes back to the same signature: a real date, a stored direction and
// a non-negative amount.
func Normalize(tx domain.Transaction) (domain.Transaction, error) {
	tx.Store = strings.TrimSpace(tx.Store)
	tx.Category2 = strings.TrimSpace(tx.Category2)
	tx.Member = strings.TrimSpace(tx.Member)
	tx.Institution = strings.TrimSpace(tx.Institution)

	switch {
	case !tx.Date.IsValid():
		return tx, fmt.Errorf("Normalize: date %q: %w", tx.Date.String(), ErrInvalidRecord)
	case tx.Category1.String() == "":
		return tx, fmt.Errorf("Normalize: %s %q: missing category_1: %w", tx.Date, tx.Store, ErrInvalidRecord)
	case tx.Amount < 0:
		return tx, fmt.Errorf("Normalize: %s %q: negative amount %d: %w", tx.Date, tx.Store, tx.Amount, ErrInvalidRecord)
	}
	return tx, nil
}
