package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/kakeibo/internal/app"
	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/config"
	"github.com/dvloznov/kakeibo/internal/gcsuploader"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/notionsync"
	"github.com/dvloznov/kakeibo/internal/pipeline"
	"github.com/dvloznov/kakeibo/internal/report"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "import":
		runImport(log)
	case "receipt":
		runReceipt(log)
	case "report":
		runReport(log)
	case "months":
		runMonths(log)
	case "master":
		runMaster(log)
	case "institutions":
		runInstitutions(log)
	case "publish-notion":
		runPublishNotion(log)
	case "init-store":
		runInitStore(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Kakeibo CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  import          Import bank or card CSV exports")
	fmt.Println("  receipt         Classify a receipt image and optionally save it")
	fmt.Println("  report          Show the fiscal-month report")
	fmt.Println("  months          List fiscal months present in the ledger")
	fmt.Println("  master          Category master: bootstrap | list | learn")
	fmt.Println("  institutions    List registered institutions")
	fmt.Println("  publish-notion  Publish a fiscal-month report to Notion")
	fmt.Println("  init-store      Create missing tables in the configured store")
	fmt.Println("  help            Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// open loads configuration and wires the application. It exits on failure.
func open(log zerolog.Logger, timeout time.Duration) (context.Context, *app.App, func()) {
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = logger.WithContext(ctx, log)

	a, err := app.Open(ctx, cfg)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to initialise")
	}
	return ctx, a, func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close clients")
		}
		cancel()
	}
}

func runImport(log zerolog.Logger) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	institution := fs.String("institution", "", "Institution ID, e.g. M銀行 (see 'cli institutions')")
	member := fs.String("member", "", "Household member the files belong to")
	fs.Parse(os.Args[2:])

	if *institution == "" || fs.NArg() == 0 {
		log.Fatal().Msg("Usage: cli import -institution ID [-member NAME] FILE|gs://URI...")
	}

	ctx, a, done := open(log, 10*time.Minute)
	defer done()

	var reqs []pipeline.ImportRequest
	for _, path := range fs.Args() {
		data, name, err := readSource(ctx, a, path)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to read file")
		}
		reqs = append(reqs, pipeline.ImportRequest{
			Institution: *institution,
			Member:      *member,
			Filename:    name,
			Data:        data,
		})
	}

	failed := 0
	for _, fr := range a.Service.ImportFiles(ctx, reqs) {
		for _, w := range fr.Warnings {
			fmt.Printf("%s: warning: %s\n", fr.Filename, w)
		}
		if fr.Err != nil {
			failed++
			fmt.Printf("%s: FAILED: %v\n", fr.Filename, fr.Err)
			continue
		}
		fmt.Printf("%s: %d accepted, %d skipped as duplicates -> %s\n",
			fr.Filename, fr.Result.Accepted, fr.Result.Skipped, fr.Result.Table)
		for _, c := range fr.Result.Candidates {
			fmt.Printf("  learn? %s => %s\n", c.Keyword, c.Category)
		}
	}
	if failed > 0 {
		done()
		os.Exit(1)
	}
}

// readSource reads a local file or a gs:// object.
func readSource(ctx context.Context, a *app.App, path string) ([]byte, string, error) {
	if !gcsuploader.IsGCSURI(path) {
		data, err := os.ReadFile(path)
		return data, filepath.Base(path), err
	}
	if a.Storage == nil {
		return nil, "", fmt.Errorf("readSource: %s: GCS_ARCHIVE_BUCKET is not set", path)
	}
	data, err := a.Storage.FetchFromGCS(ctx, path)
	return data, gcsuploader.ExtractFilenameFromGCSURI(path), err
}

func runReceipt(log zerolog.Logger) {
	fs := flag.NewFlagSet("receipt", flag.ExitOnError)
	image := fs.String("image", "", "Path to the receipt image")
	mode := fs.String("mode", string(classifier.ModeTotal), "Classification mode: total or split")
	member := fs.String("member", "", "Household member who paid")
	institution := fs.String("institution", "", "Payment method")
	save := fs.Bool("save", false, "Save the drafted transactions")
	fs.Parse(os.Args[2:])

	if *image == "" {
		log.Fatal().Msg("Usage: cli receipt -image PATH [-mode total|split] [-save]")
	}
	m, err := classifier.ParseMode(*mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid mode")
	}
	data, err := os.ReadFile(*image)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read image")
	}

	ctx, a, done := open(log, 5*time.Minute)
	defer done()

	req := pipeline.ReceiptRequest{
		Image:       data,
		MIMEType:    http.DetectContentType(data),
		Filename:    filepath.Base(*image),
		Mode:        m,
		Member:      *member,
		Institution: *institution,
	}
	draft, err := a.Service.DraftReceipt(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("Receipt classification failed; enter it manually")
	}
	for _, w := range draft.Warnings {
		fmt.Println("warning:", w)
	}
	printJSON(draft.Drafts)

	if !*save {
		return
	}
	saved, err := a.Service.SaveReceipt(ctx, req, draft.Drafts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to save receipt")
	}
	fmt.Printf("Saved %d transaction(s).\n", len(saved))
}

func runReport(log zerolog.Logger) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	month := fs.String("month", "", "Fiscal month YYYY-MM (default: current)")
	byMember := fs.Bool("by-member", false, "Split categories by member")
	all := fs.Bool("all", false, "Group income and asset rows too")
	asJSON := fs.Bool("json", false, "Print JSON")
	fs.Parse(os.Args[2:])

	ctx, a, done := open(log, 2*time.Minute)
	defer done()

	if *month == "" {
		*month = a.Service.CurrentMonth()
	}
	summary, err := a.Service.Report(ctx, *month, report.Options{ByMember: *byMember, IncludeAll: *all})
	if err != nil {
		log.Fatal().Err(err).Msg("Report failed")
	}
	if *asJSON {
		printJSON(summary)
		return
	}

	fmt.Printf("Fiscal month %s: %d transaction(s)\n", summary.Month, summary.Count)
	fmt.Printf("  spend   %d\n  income  %d\n  assets  %d\n", summary.TotalSpend, summary.TotalIncome, summary.AssetTotal)
	printGroups("Category", summary.ByCategory)
	printGroups("Member", summary.ByMember)
}

func printGroups(title string, groups []report.Group) {
	if len(groups) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "%s\tAmount\tCount\t\n", title)
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%d\t%d\t\n", g.Key, g.Amount, g.Count)
	}
	w.Flush()
}

func runMonths(log zerolog.Logger) {
	ctx, a, done := open(log, 2*time.Minute)
	defer done()

	months, err := a.Service.Months(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list months")
	}
	for _, m := range months {
		fmt.Println(m)
	}
}

func runMaster(log zerolog.Logger) {
	if len(os.Args) < 3 {
		log.Fatal().Msg("Usage: cli master bootstrap | list | learn KEYWORD=CATEGORY...")
	}

	ctx, a, done := open(log, 5*time.Minute)
	defer done()

	switch os.Args[2] {
	case "bootstrap":
		added, err := a.Service.Bootstrap(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Bootstrap failed")
		}
		fmt.Printf("Added %d keyword(s) from history.\n", added)
	case "list":
		for _, e := range a.Service.MasterEntries(ctx) {
			fmt.Printf("%s\t%s\n", e.Keyword, e.Category)
		}
	case "learn":
		var entries []master.Entry
		for _, arg := range os.Args[3:] {
			keyword, category, ok := strings.Cut(arg, "=")
			if !ok || keyword == "" || category == "" {
				log.Fatal().Str("arg", arg).Msg("Expected KEYWORD=CATEGORY")
			}
			entries = append(entries, master.Entry{Keyword: keyword, Category: category})
		}
		added, err := a.Service.Learn(ctx, entries)
		if err != nil {
			log.Fatal().Err(err).Msg("Learn failed")
		}
		fmt.Printf("Added %d of %d keyword(s); existing keywords are kept.\n", added, len(entries))
	default:
		log.Fatal().Str("subcommand", os.Args[2]).Msg("Unknown master subcommand")
	}
}

func runInstitutions(log zerolog.Logger) {
	reg := institution.Default()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tShape\tEncoding\tTable")
	for _, id := range reg.IDs() {
		s, err := reg.Lookup(id)
		if err != nil {
			log.Fatal().Err(err).Msg("Registry lookup failed")
		}
		table := s.Table
		if table == "" {
			table = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Shape, s.Encoding, table)
	}
	w.Flush()
}

func runPublishNotion(log zerolog.Logger) {
	fs := flag.NewFlagSet("publish-notion", flag.ExitOnError)
	month := fs.String("month", "", "Fiscal month YYYY-MM (default: current)")
	dryRun := fs.Bool("dry-run", false, "Log changes without writing to Notion")
	fs.Parse(os.Args[2:])

	ctx, a, done := open(log, 5*time.Minute)
	defer done()

	if err := a.Config.Validate(config.FeatureNotion); err != nil {
		log.Fatal().Err(err).Msg("Notion is not configured")
	}
	if *month == "" {
		*month = a.Service.CurrentMonth()
	}
	summary, err := a.Service.Report(ctx, *month, report.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Report failed")
	}

	client := notionsync.NewNotionClient(a.Config.NotionToken)
	res, err := notionsync.PublishReport(ctx, client, a.Config.NotionReportDatabaseID, summary, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Publish failed")
	}
	fmt.Printf("Published %s: %d created, %d updated, %d archived.\n", *month, res.Created, res.Updated, res.Archived)
}

func runInitStore(log zerolog.Logger) {
	ctx, a, done := open(log, 5*time.Minute)
	defer done()

	if err := a.InitStore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise store")
	}
	for table := range a.Tables() {
		log.Info().Str("table", table).Msg("Table ready")
	}
	fmt.Println("Store initialised.")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
