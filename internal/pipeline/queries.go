package pipeline

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/fiscal"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/report"
	"github.com/dvloznov/kakeibo/internal/store"
)

// tables returns the transaction table followed by every other table an
// institution schema writes to.
func (s *Service) tables() []string {
	seen := map[string]bool{s.ledger.DefaultTable(): true}
	out := []string{s.ledger.DefaultTable()}
	for _, id := range s.registry.IDs() {
		schema, err := s.registry.Lookup(id)
		if err != nil || schema.Table == "" || seen[schema.Table] {
			continue
		}
		seen[schema.Table] = true
		out = append(out, schema.Table)
	}
	return out
}

// AllTransactions reads every table. Only the transaction table is required
// to exist.
func (s *Service) AllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	var all []domain.Transaction
	for i, table := range s.tables() {
		txs, err := s.ledger.List(ctx, table)
		if err != nil {
			if i > 0 && errors.Is(err, store.ErrTableNotFound) {
				continue
			}
			return nil, fmt.Errorf("AllTransactions: %w", err)
		}
		all = append(all, txs...)
	}
	return all, nil
}

// CurrentMonth is the fiscal month containing today.
func (s *Service) CurrentMonth() string {
	return fiscal.Month(s.today())
}

// Transactions returns the records of one fiscal month.
func (s *Service) Transactions(ctx context.Context, month string) ([]domain.Transaction, error) {
	if _, _, err := fiscal.Range(month); err != nil {
		return nil, fmt.Errorf("Transactions: %w", err)
	}
	all, err := s.AllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Transactions: %w", err)
	}
	return report.Filter(all, month), nil
}

// Months lists the fiscal months present in the data, newest first.
func (s *Service) Months(ctx context.Context) ([]string, error) {
	all, err := s.AllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("Months: %w", err)
	}
	dates := make([]civil.Date, 0, len(all))
	for _, tx := range all {
		dates = append(dates, tx.Date)
	}
	return fiscal.Months(dates), nil
}

// Report aggregates one fiscal month.
func (s *Service) Report(ctx context.Context, month string, opts report.Options) (report.Summary, error) {
	if _, _, err := fiscal.Range(month); err != nil {
		return report.Summary{}, fmt.Errorf("Report: %w", err)
	}
	all, err := s.AllTransactions(ctx)
	if err != nil {
		return report.Summary{}, fmt.Errorf("Report: %w", err)
	}
	return report.Aggregate(all, month, opts), nil
}

// MasterEntries returns the category master in insertion order.
func (s *Service) MasterEntries(ctx context.Context) []master.Entry {
	return s.master.Load(ctx).Entries()
}

// Bootstrap learns master entries from the stored transaction history.
func (s *Service) Bootstrap(ctx context.Context) (int, error) {
	return s.master.BootstrapFromHistory(ctx, s.ledger, "")
}
