package notionsync

import (
	"github.com/jomei/notionapi"

	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/report"
)

// Report line kinds, stored in the "Kind" select.
const (
	KindTotal    = "合計"
	KindCategory = "費目"
	KindMember   = "メンバー"
)

// Line is one row of a published report.
type Line struct {
	Month  string
	Kind   string
	Group  string
	Amount int64
	Count  int
}

// Key identifies a line across publishes.
func (l Line) Key() string {
	return l.Month + " " + l.Kind + " " + l.Group
}

// ReportLines flattens a summary into lines: the three totals first, then
// the category and member groupings in report order.
func ReportLines(s report.Summary) []Line {
	lines := []Line{
		{Month: s.Month, Kind: KindTotal, Group: domain.Expense.String(), Amount: s.TotalSpend},
		{Month: s.Month, Kind: KindTotal, Group: domain.Income.String(), Amount: s.TotalIncome},
		{Month: s.Month, Kind: KindTotal, Group: domain.Asset.String(), Amount: s.AssetTotal},
	}
	for _, g := range s.ByCategory {
		lines = append(lines, Line{Month: s.Month, Kind: KindCategory, Group: g.Key, Amount: g.Amount, Count: g.Count})
	}
	for _, g := range s.ByMember {
		lines = append(lines, Line{Month: s.Month, Kind: KindMember, Group: g.Key, Amount: g.Amount, Count: g.Count})
	}
	return lines
}

// LineToNotionProperties converts a report line to page properties.
func LineToNotionProperties(l Line) notionapi.Properties {
	return notionapi.Properties{
		"Key": notionapi.TitleProperty{
			Title: []notionapi.RichText{{
				Type: notionapi.ObjectTypeText,
				Text: &notionapi.Text{Content: l.Key()},
			}},
		},
		"Month": notionapi.SelectProperty{
			Select: notionapi.Option{Name: l.Month},
		},
		"Kind": notionapi.SelectProperty{
			Select: notionapi.Option{Name: l.Kind},
		},
		"Group": notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{
				Type: notionapi.ObjectTypeText,
				Text: &notionapi.Text{Content: l.Group},
			}},
		},
		"Amount": notionapi.NumberProperty{Number: float64(l.Amount)},
		"Count":  notionapi.NumberProperty{Number: float64(l.Count)},
	}
}

// extractKey returns the "Key" title of a page, or "" if it has none.
func extractKey(page notionapi.Page) string {
	if prop, ok := page.Properties["Key"]; ok {
		if title, ok := prop.(*notionapi.TitleProperty); ok {
			if len(title.Title) > 0 {
				return title.Title[0].PlainText
			}
		}
	}
	return ""
}
