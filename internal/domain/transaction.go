package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Category1 is the direction class of a transaction. Amounts are always
// stored as magnitudes; the sign lives here.
type Category1 int

const (
	// Unspecified marks legacy rows written before the direction column existed.
	Unspecified Category1 = iota
	Expense
	Income
	Asset
)

const (
	labelExpense = "支出"
	labelIncome  = "収入"
	labelAsset   = "資産"
)

// String returns the label persisted in the transaction table.
func (c Category1) String() string {
	switch c {
	case Expense:
		return labelExpense
	case Income:
		return labelIncome
	case Asset:
		return labelAsset
	default:
		return ""
	}
}

// IsSpend reports whether the class counts towards total spend.
// Legacy rows were only ever receipts, so they count as spend.
func (c Category1) IsSpend() bool {
	return c == Expense || c == Unspecified
}

// ParseCategory1 maps a persisted label back to its enum value.
// Unknown labels map to Unspecified.
func ParseCategory1(s string) Category1 {
	switch strings.TrimSpace(s) {
	case labelExpense:
		return Expense
	case labelIncome:
		return Income
	case labelAsset:
		return Asset
	default:
		return Unspecified
	}
}

// MarshalText encodes the class as its persisted label.
func (c Category1) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the persisted label or its English name.
func (c *Category1) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch strings.ToLower(s) {
	case "":
		*c = Unspecified
		return nil
	case "expense":
		*c = Expense
		return nil
	case "income":
		*c = Income
		return nil
	case "asset":
		*c = Asset
		return nil
	}
	v := ParseCategory1(s)
	if v == Unspecified {
		return fmt.Errorf("unknown category_1 %q", s)
	}
	*c = v
	return nil
}

// Sub-category values with special meaning.
const (
	// Uncategorized is what the master suggests when nothing matches.
	Uncategorized = "未分類"
	// Other is the generic fallback, used for income without a suggestion.
	Other = "その他"
	// SharedMember is how an empty member is displayed.
	SharedMember = "共通"
)

// IsDefaultCategory reports whether a category_2 value carries no real
// classification.
func IsDefaultCategory(c string) bool {
	c = strings.TrimSpace(c)
	return c == "" || c == Uncategorized || c == Other
}

// Transaction is the canonical unit of financial activity, regardless of
// whether it came from a receipt, a CSV export or manual entry.
type Transaction struct {
	Date        civil.Date `json:"date"`
	Store       string     `json:"store"`
	Category1   Category1  `json:"category_1"`
	Category2   string     `json:"category_2"`
	Amount      int64      `json:"amount"`            // non-negative, smallest currency unit
	Member      string     `json:"member"`            // empty = shared
	Institution string     `json:"institution"`       // empty for manual entry
	Balance     *int64     `json:"balance,omitempty"` // running balance when the source has one
	EnteredAt   time.Time  `json:"entered_at,omitzero"`
}

// Signature is the duplicate-detection key of a transaction. Category2 and
// EnteredAt are deliberately absent so that editing a sub-category does not
// defeat deduplication.
type Signature struct {
	Date        string
	Store       string
	Category1   string
	Amount      string
	Member      string
	Institution string
	Balance     string
}

// Signature computes the duplicate-detection key.
func (t Transaction) Signature() Signature {
	return Signature{
		Date:        t.Date.String(),
		Store:       t.Store,
		Category1:   t.Category1.String(),
		Amount:      strconv.FormatInt(t.Amount, 10),
		Member:      t.Member,
		Institution: t.Institution,
		Balance:     FormatBalance(t.Balance),
	}
}

// FormatBalance renders an optional balance the way it is persisted.
func FormatBalance(b *int64) string {
	if b == nil {
		return ""
	}
	return strconv.FormatInt(*b, 10)
}

// DisplayMember returns the member, or SharedMember when empty.
func (t Transaction) DisplayMember() string {
	if strings.TrimSpace(t.Member) == "" {
		return SharedMember
	}
	return t.Member
}
