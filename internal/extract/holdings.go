package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/logger"
)

// Header markers of a holdings section in a brokerage snapshot.
const (
	holdingNameMarker  = "銘柄"
	holdingValueMarker = "評価額"
	totalMarker        = "合計"
	// DefaultHoldingCategory is used when a section has no title line.
	DefaultHoldingCategory = "有価証券"
)

type holding struct {
	name    string
	section string
	value   int64
}

// extractHoldings reads a multi-section holdings snapshot. Each section is a
// title line, a header containing 銘柄 and 評価額 columns, and one line per
// holding.
func extractHoldings(ctx context.Context, cr *csv.Reader, schema institution.Schema, opts Options) (*Extraction, error) {
	log := logger.FromContext(ctx).With().Str("institution", schema.ID).Logger()
	e := &Extraction{Institution: schema.ID}

	asOf, ok := FilenameDate(opts.Filename)
	if !ok {
		if opts.Today.IsZero() {
			return nil, fmt.Errorf("Extract: %s: %q: %w", schema.ID, opts.Filename, ErrNoAsOfDate)
		}
		asOf = opts.Today
		e.Warnings = append(e.Warnings, fmt.Sprintf(
			"no YYYYMMDD date in filename %q; using %s as the snapshot date", opts.Filename, asOf))
		log.Warn().Str("filename", opts.Filename).Str("as_of", asOf.String()).Msg("Snapshot date taken from fallback")
	}

	holdings, sawHeader, err := scanHoldings(cr, &e.dropped)
	if err != nil {
		return nil, fmt.Errorf("Extract: %s: %w", schema.ID, err)
	}
	if !sawHeader {
		return nil, &SchemaMismatchError{Institution: schema.ID, Missing: []string{holdingNameMarker, holdingValueMarker}}
	}

	e.records = func(yield func(domain.Transaction) bool) {
		for _, h := range holdings {
			tx := domain.Transaction{
				Date:        asOf,
				Store:       h.name,
				Category1:   domain.Asset,
				Category2:   h.section,
				Amount:      h.value,
				Member:      opts.Member,
				Institution: schema.ID,
			}
			if !yield(tx) {
				return
			}
		}
	}
	return e, nil
}

func scanHoldings(cr *csv.Reader, dropped *int) ([]holding, bool, error) {
	var (
		out       []holding
		sawHeader bool
		inSection bool
		title     string
		section   string
		nameIdx   int
		valueIdx  int
	)

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, sawHeader, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				*dropped++
				continue
			}
			return nil, false, fmt.Errorf("reading snapshot: %w", err)
		}

		cells := nonEmpty(rec)
		if len(cells) == 0 {
			inSection = false
			continue
		}

		if n, v, ok := holdingHeader(rec); ok {
			sawHeader, inSection = true, true
			nameIdx, valueIdx = n, v
			section = title
			if section == "" {
				section = DefaultHoldingCategory
			}
			continue
		}

		// csv.Reader skips blank lines, so a lone cell is what ends a section.
		if len(cells) == 1 {
			inSection = false
			title = cells[0]
			continue
		}
		if !inSection {
			continue
		}

		if nameIdx >= len(rec) || valueIdx >= len(rec) {
			*dropped++
			continue
		}
		name := strings.TrimSpace(rec[nameIdx])
		if name == "" || strings.Contains(name, totalMarker) {
			continue
		}
		value, err := ParseAmount(rec[valueIdx])
		if err != nil || value <= 0 {
			*dropped++
			continue
		}
		out = append(out, holding{name: name, section: section, value: value})
	}
}

func holdingHeader(rec []string) (int, int, bool) {
	nameIdx, valueIdx := -1, -1
	for i, c := range rec {
		c = strings.TrimSpace(c)
		switch {
		case nameIdx < 0 && strings.Contains(c, holdingNameMarker):
			nameIdx = i
		case strings.Contains(c, holdingValueMarker):
			if valueIdx < 0 || c == holdingValueMarker {
				valueIdx = i
			}
		}
	}
	return nameIdx, valueIdx, nameIdx >= 0 && valueIdx >= 0
}

func nonEmpty(rec []string) []string {
	var out []string
	for _, c := range rec {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
