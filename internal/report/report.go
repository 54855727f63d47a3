// Package report aggregates stored transactions for one fiscal month.
package report

import (
	"fmt"
	"sort"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/fiscal"
)

// Group is one aggregated bucket.
type Group struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// Options selects what Aggregate groups.
type Options struct {
	// ByMember composes the category key with the member, "食費(まさ)".
	ByMember bool
	// IncludeAll groups every class instead of spending only.
	IncludeAll bool
}

// Summary is the fiscal-month report.
//
// TotalSpend counts expense rows and legacy rows, which were only ever
// receipts. Income and asset snapshots are reported separately and never
// netted against spend.
type Summary struct {
	Month       string  `json:"month"`
	TotalSpend  int64   `json:"total_spend"`
	TotalIncome int64   `json:"total_income"`
	AssetTotal  int64   `json:"asset_total"`
	Count       int     `json:"count"`
	ByCategory  []Group `json:"by_category"`
	ByMember    []Group `json:"by_member"`
}

// Aggregate filters records to fiscal month and groups their amounts.
// Groupings are ordered by descending amount, then key.
func Aggregate(records []domain.Transaction, month string, opts Options) Summary {
	s := Summary{Month: month}
	byCat := make(map[string]*Group)
	byMember := make(map[string]*Group)

	for _, tx := range records {
		if fiscal.Month(tx.Date) != month {
			continue
		}
		s.Count++

		switch tx.Category1 {
		case domain.Income:
			s.TotalIncome += tx.Amount
		case domain.Asset:
			s.AssetTotal += tx.Amount
		default:
			s.TotalSpend += tx.Amount
		}

		if !opts.IncludeAll && !tx.Category1.IsSpend() {
			continue
		}

		cat := tx.Category2
		if cat == "" {
			cat = domain.Uncategorized
		}
		member := tx.DisplayMember()
		if opts.ByMember {
			cat = fmt.Sprintf("%s(%s)", cat, member)
		}
		add(byCat, cat, tx.Amount)
		add(byMember, member, tx.Amount)
	}

	s.ByCategory = sorted(byCat)
	s.ByMember = sorted(byMember)
	return s
}

func add(m map[string]*Group, key string, amount int64) {
	g, ok := m[key]
	if !ok {
		g = &Group{Key: key}
		m[key] = g
	}
	g.Amount += amount
	g.Count++
}

func sorted(m map[string]*Group) []Group {
	out := make([]Group, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Filter returns the records that fall in fiscal month, in input order.
func Filter(records []domain.Transaction, month string) []domain.Transaction {
	out := make([]domain.Transaction, 0)
	for _, tx := range records {
		if fiscal.Month(tx.Date) == month {
			out = append(out, tx)
		}
	}
	return out
}
