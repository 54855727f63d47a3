// Package classifier reads receipt images with a vision model.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/kakeibo/internal/extract"
)

// ErrClassificationFailure marks an empty or unusable model response. The
// caller is expected to fall back to manual entry.
var ErrClassificationFailure = errors.New("classification failure")

// Mode selects the shape of the classification result.
type Mode string

const (
	// ModeTotal reads a single total with a category.
	ModeTotal Mode = "total"
	// ModeSplit reads each line item.
	ModeSplit Mode = "split"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTotal, "":
		return ModeTotal, nil
	case ModeSplit:
		return ModeSplit, nil
	default:
		return "", fmt.Errorf("ParseMode: unknown mode %q", s)
	}
}

// Item is one receipt line in split mode.
type Item struct {
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Category string `json:"category,omitempty"`
}

// Result is what the model read from a receipt. Date is kept as text;
// the caller decides how to treat an unreadable date.
type Result struct {
	Mode     Mode   `json:"mode"`
	Date     string `json:"date"`
	Store    string `json:"store"`
	Amount   int64  `json:"amount,omitempty"`
	Category string `json:"category,omitempty"`
	Items    []Item `json:"items,omitempty"`
}

// Classifier classifies receipt images.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string, mode Mode) (*Result, error)
}

// amount accepts JSON numbers as well as strings like "1,280円".
type amount int64

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = str
	}
	v, err := extract.ParseAmount(s)
	if err != nil {
		return err
	}
	*a = amount(v)
	return nil
}

type wireItem struct {
	Name     string `json:"name"`
	Amount   amount `json:"amount"`
	Category string `json:"category"`
}

type wireResult struct {
	Date     string     `json:"date"`
	Store    string     `json:"store"`
	Amount   amount     `json:"amount"`
	Category string     `json:"category"`
	Items    []wireItem `json:"items"`
}

// decodeResult parses and validates a raw model response.
func decodeResult(raw string, mode Mode) (*Result, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return nil, fmt.Errorf("decodeResult: empty response: %w", ErrClassificationFailure)
	}

	var w wireResult
	if err := json.Unmarshal([]byte(clean), &w); err != nil {
		return nil, fmt.Errorf("decodeResult: unmarshal JSON: %w", errors.Join(ErrClassificationFailure, err))
	}

	res := &Result{
		Mode:     mode,
		Date:     strings.TrimSpace(w.Date),
		Store:    strings.TrimSpace(w.Store),
		Category: strings.TrimSpace(w.Category),
	}

	switch mode {
	case ModeSplit:
		for _, it := range w.Items {
			name := strings.TrimSpace(it.Name)
			if name == "" && it.Amount == 0 {
				continue
			}
			v := int64(it.Amount)
			if v < 0 {
				v = -v
			}
			res.Items = append(res.Items, Item{Name: name, Amount: v, Category: strings.TrimSpace(it.Category)})
		}
		if len(res.Items) == 0 {
			return nil, fmt.Errorf("decodeResult: no line items: %w", ErrClassificationFailure)
		}
	default:
		res.Amount = int64(w.Amount)
		if res.Amount < 0 {
			res.Amount = -res.Amount
		}
		if res.Amount == 0 && res.Store == "" {
			return nil, fmt.Errorf("decodeResult: no store or amount: %w", ErrClassificationFailure)
		}
	}
	return res, nil
}

// cleanModelJSON strips Markdown fences and any text around the outermost
// JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
