// Package notionsync publishes fiscal-month reports to a Notion database,
// one page per report line.
package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/report"
)

// PublishResult counts the page changes of one publish.
type PublishResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
}

// PublishReport upserts the summary's lines into the database and archives
// pages of the same month that no longer correspond to a line.
func PublishReport(ctx context.Context, notionClient NotionService, notionDBID string, summary report.Summary, dryRun bool) (PublishResult, error) {
	log := logger.FromContext(ctx).With().Str("month", summary.Month).Bool("dry_run", dryRun).Logger()
	var res PublishResult

	pages, err := queryMonthPages(ctx, notionClient, notionDBID, summary.Month)
	if err != nil {
		return res, fmt.Errorf("PublishReport: %w", err)
	}
	existing := make(map[string]string, len(pages))
	for _, p := range pages {
		if key := extractKey(p); key != "" {
			existing[key] = string(p.ID)
		}
	}

	lines := ReportLines(summary)
	current := make(map[string]bool, len(lines))
	for _, l := range lines {
		key := l.Key()
		current[key] = true
		pageID, ok := existing[key]

		if dryRun {
			log.Info().Str("key", key).Bool("exists", ok).Int64("amount", l.Amount).Msg("[DRY RUN] Would publish report line")
			if ok {
				res.Updated++
			} else {
				res.Created++
			}
			continue
		}

		props := LineToNotionProperties(l)
		if ok {
			if _, err := notionClient.UpdatePage(ctx, pageID, props); err != nil {
				return res, fmt.Errorf("PublishReport: updating %s: %w", key, err)
			}
			res.Updated++
			continue
		}
		if _, err := notionClient.CreatePage(ctx, notionDBID, props); err != nil {
			return res, fmt.Errorf("PublishReport: creating %s: %w", key, err)
		}
		res.Created++
	}

	for key, pageID := range existing {
		if current[key] {
			continue
		}
		if dryRun {
			log.Info().Str("key", key).Msg("[DRY RUN] Would archive stale report line")
			res.Archived++
			continue
		}
		if err := notionClient.ArchivePage(ctx, pageID); err != nil {
			log.Warn().Err(err).Str("key", key).Str("page_id", pageID).Msg("Failed to archive stale report line")
			continue
		}
		res.Archived++
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("archived", res.Archived).
		Msg("Report published to Notion")
	return res, nil
}

// queryMonthPages returns every page of the month, following pagination.
func queryMonthPages(ctx context.Context, notionClient NotionService, databaseID, month string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			Filter: notionapi.PropertyFilter{
				Property: "Month",
				Select:   &notionapi.SelectFilterCondition{Equals: month},
			},
			PageSize: 100,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notionClient.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryMonthPages: %w", err)
		}

		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}

	return allPages, nil
}
