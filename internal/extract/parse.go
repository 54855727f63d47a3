package extract

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// ErrRowCoercion marks a date or amount cell that could not be parsed.
// Rows carrying such a cell are dropped, not fatal to the file.
var ErrRowCoercion = errors.New("row coercion failure")

var amountNoise = strings.NewReplacer(
	",", "",
	"円", "",
	"¥", "",
	"\\", "",
	" ", "",
	"\t", "",
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ParseAmount parses a monetary cell into whole yen. Thousands separators,
// currency glyphs and whitespace are ignored; a leading minus, △, ▲ or
// surrounding parentheses mark a negative amount. Fractions are truncated.
func ParseAmount(s string) (int64, error) {
	raw := s
	s = strings.TrimSpace(norm.NFKC.String(s))
	s = amountNoise.Replace(s)

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	for _, marker := range []string{"-", "−", "△", "▲"} {
		if strings.HasPrefix(s, marker) {
			neg = !neg
			s = strings.TrimPrefix(s, marker)
			break
		}
	}
	s = strings.TrimPrefix(s, "+")

	if s == "" || strings.EqualFold(s, "nan") {
		return 0, fmt.Errorf("ParseAmount: %q: empty: %w", raw, ErrRowCoercion)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("ParseAmount: %q: %w", raw, errors.Join(ErrRowCoercion, err))
	}
	// Magnitudes are negated by callers, so MinInt64 is out of range too.
	if d.Truncate(0).Abs().GreaterThan(maxAmount) {
		return 0, fmt.Errorf("ParseAmount: %q: out of range: %w", raw, ErrRowCoercion)
	}
	v := d.IntPart()
	if neg {
		v = -v
	}
	return v, nil
}

// amountOrZero applies the import policy for amount cells: anything that
// does not parse counts as zero.
func amountOrZero(s string) int64 {
	v, err := ParseAmount(s)
	if err != nil {
		return 0
	}
	return v
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-1-2",
	"2006/1/2",
	"2006.01.02",
	"2006.1.2",
	"20060102",
	"2006年1月2日",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04",
	"2006/01/02 15:04",
	time.RFC3339,
}

// ParseDate parses the date formats found in bank and card exports.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return civil.DateOf(t), nil
			}
		}
	}
	return civil.Date{}, fmt.Errorf("ParseDate: %q: %w", s, ErrRowCoercion)
}

var digitRuns = regexp.MustCompile(`\d+`)

// FilenameDate returns the date encoded as the first run of exactly eight
// digits (YYYYMMDD) in the base name of path.
func FilenameDate(path string) (civil.Date, bool) {
	for _, run := range digitRuns.FindAllString(filepath.Base(path), -1) {
		if len(run) != 8 {
			continue
		}
		t, err := time.Parse("20060102", run)
		if err != nil {
			return civil.Date{}, false
		}
		return civil.DateOf(t), true
	}
	return civil.Date{}, false
}
