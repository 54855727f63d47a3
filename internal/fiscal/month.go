// Package fiscal assigns dates to household billing months that run from
// the 25th of one month to the 24th of the next.
package fiscal

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// CutoverDay is the first day of month that belongs to the next billing month.
const CutoverDay = 25

// Month returns the billing month of d as "YYYY-MM".
func Month(d civil.Date) string {
	y, m := d.Year, d.Month
	if d.Day >= CutoverDay {
		// Normalising through time.Date handles December rolling into January.
		t := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
		y, m = t.Year(), t.Month()
	}
	return fmt.Sprintf("%04d-%02d", y, int(m))
}

// Range returns the first and last calendar day of billing month ym.
func Range(ym string) (civil.Date, civil.Date, error) {
	t, err := time.Parse("2006-01", ym)
	if err != nil {
		return civil.Date{}, civil.Date{}, fmt.Errorf("Range: invalid month %q: %w", ym, err)
	}
	start := time.Date(t.Year(), t.Month()-1, CutoverDay, 0, 0, 0, 0, time.UTC)
	end := time.Date(t.Year(), t.Month(), CutoverDay-1, 0, 0, 0, 0, time.UTC)
	return civil.DateOf(start), civil.DateOf(end), nil
}

// Months returns the distinct billing months of the given dates, newest first.
func Months(dates []civil.Date) []string {
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0)
	for _, d := range dates {
		m := Month(d)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}
