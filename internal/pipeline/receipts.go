package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/extract"
	"github.com/dvloznov/kakeibo/internal/gcsuploader"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
)

// ReceiptRequest is a receipt image to classify.
type ReceiptRequest struct {
	Image    []byte
	MIMEType string
	Filename string
	Mode     classifier.Mode
	// Member and Institution (payment method) are chosen by the user.
	Member      string
	Institution string
}

// ReceiptDraft is the classifier's reading turned into editable
// transactions.
type ReceiptDraft struct {
	Result   *classifier.Result   `json:"result"`
	Drafts   []domain.Transaction `json:"drafts"`
	Warnings []string             `json:"warnings,omitempty"`
	Archive  string               `json:"archive,omitempty"`
}

// DraftReceipt classifies a receipt image. Nothing is persisted; a
// classification failure is returned so the caller can fall back to manual
// entry.
func (s *Service) DraftReceipt(ctx context.Context, req ReceiptRequest) (*ReceiptDraft, error) {
	if s.classifier == nil {
		return nil, fmt.Errorf("DraftReceipt: %w", ErrClassifierUnavailable)
	}
	res, err := s.classifier.Classify(ctx, req.Image, req.MIMEType, req.Mode)
	if err != nil {
		return nil, fmt.Errorf("DraftReceipt: %w", err)
	}

	draft := &ReceiptDraft{Result: res}

	date, err := extract.ParseDate(res.Date)
	if err != nil {
		date = s.today()
		draft.Warnings = append(draft.Warnings, fmt.Sprintf("receipt date %q unreadable; using %s", res.Date, date))
	}

	mapping := s.master.Load(ctx)
	base := domain.Transaction{
		Date:        date,
		Store:       res.Store,
		Category1:   domain.Expense,
		Member:      req.Member,
		Institution: req.Institution,
	}

	switch res.Mode {
	case classifier.ModeSplit:
		for _, it := range res.Items {
			tx := base
			tx.Store = itemStore(res.Store, it.Name)
			tx.Amount = it.Amount
			tx.Category2 = s.receiptCategory(it.Category, mapping, it.Name, res.Store)
			draft.Drafts = append(draft.Drafts, tx)
		}
	default:
		tx := base
		tx.Amount = res.Amount
		tx.Category2 = s.receiptCategory(res.Category, mapping, res.Store)
		draft.Drafts = append(draft.Drafts, tx)
	}
	return draft, nil
}

// receiptCategory picks the classifier's category when it is in the
// vocabulary, otherwise the first master suggestion, otherwise その他.
func (s *Service) receiptCategory(proposed string, m *master.Mapping, names ...string) string {
	if !domain.IsDefaultCategory(proposed) {
		if c, err := s.validator.Canonical(proposed); err == nil {
			return c
		}
	}
	for _, n := range names {
		if c := master.Suggest(n, m); c != domain.Uncategorized {
			return c
		}
	}
	return domain.Other
}

func itemStore(store, item string) string {
	store, item = strings.TrimSpace(store), strings.TrimSpace(item)
	switch {
	case store == "":
		return item
	case item == "":
		return store
	default:
		return store + " / " + item
	}
}

// SaveReceipt appends confirmed drafts one by one without a duplicate
// check, archiving the image first when an archiver is configured. Drafts
// without an amount are skipped and drafts without a direction are saved as
// expenses. Every draft is validated before the first one is written.
func (s *Service) SaveReceipt(ctx context.Context, req ReceiptRequest, drafts []domain.Transaction) ([]domain.Transaction, error) {
	log := logger.FromContext(ctx)

	confirmed := make([]domain.Transaction, 0, len(drafts))
	for i, tx := range drafts {
		if tx.Amount == 0 {
			log.Debug().Int("index", i).Msg("Skipping draft without amount")
			continue
		}
		if tx.Category1 == domain.Unspecified {
			tx.Category1 = domain.Expense
		}
		n, err := ledger.Normalize(tx)
		if err != nil {
			return nil, fmt.Errorf("SaveReceipt: draft %d: %w", i, err)
		}
		confirmed = append(confirmed, n)
	}

	if s.archiver != nil && len(req.Image) > 0 {
		if _, err := s.archiver.Archive(ctx, gcsuploader.KindReceipt, req.Filename, req.Image); err != nil {
			log.Warn().Err(err).Str("filename", req.Filename).Msg("Failed to archive receipt image")
		}
	}

	saved := make([]domain.Transaction, 0, len(confirmed))
	for i, tx := range confirmed {
		out, err := s.ledger.AppendOne(ctx, "", tx)
		if err != nil {
			return saved, fmt.Errorf("SaveReceipt: draft %d: %w", i, err)
		}
		saved = append(saved, out)
	}
	return saved, nil
}

// AddManual appends a hand-entered transaction.
func (s *Service) AddManual(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if tx.Category1 == domain.Unspecified {
		tx.Category1 = domain.Expense
	}
	if strings.TrimSpace(tx.Category2) == "" {
		tx.Category2 = s.receiptCategory("", s.master.Load(ctx), tx.Store)
	}
	out, err := s.ledger.AppendOne(ctx, "", tx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("AddManual: %w", err)
	}
	return out, nil
}
