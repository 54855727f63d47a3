// Package app wires configuration into a ready pipeline service. It is
// shared by the command line tool and the API server.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/config"
	"github.com/dvloznov/kakeibo/internal/gcsuploader"
	infraBQ "github.com/dvloznov/kakeibo/internal/infra/bigquery"
	"github.com/dvloznov/kakeibo/internal/infra/sheets"
	"github.com/dvloznov/kakeibo/internal/infra/sqlite"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/pipeline"
	"github.com/dvloznov/kakeibo/internal/store"
)

// App holds the wired components. Optional collaborators are nil when not
// configured.
type App struct {
	Config   *config.AppConfig
	Store    store.Store
	Registry *institution.Registry
	Ledger   *ledger.Ledger
	Master   *master.Master
	Service  *pipeline.Service
	Storage  gcsuploader.StorageService

	closers []io.Closer
}

// Open builds the App. The store must be configured; the classifier and
// the archive are wired when their settings are present.
func Open(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := logger.FromContext(ctx)
	if err := cfg.Validate(config.FeatureStore); err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	a := &App{Config: cfg, Registry: institution.Default()}

	s, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	a.Store = s

	a.Ledger = ledger.New(s, ledger.WithDefaultTable(cfg.TransactionsTable))
	a.Master = master.New(s, master.WithTable(cfg.MasterTable), master.WithCacheTTL(cfg.MasterCacheTTL))

	// Local backends have nothing to provision, so their tables are created
	// on open.
	if cfg.StoreBackend == config.BackendSQLite || cfg.StoreBackend == config.BackendMemory {
		if err := a.InitStore(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("Open: %w", err)
		}
	}

	deps := pipeline.Deps{
		Registry:  a.Registry,
		Ledger:    a.Ledger,
		Master:    a.Master,
		Validator: pipeline.NewCategoryValidator(cfg.Categories, a.Master.Load(ctx)),
		Today:     func() civil.Date { return civil.DateOf(time.Now()) },
	}

	if cfg.Validate(config.FeatureClassifier) == nil {
		g, err := classifier.NewGemini(ctx, classifier.GeminiConfig{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.GeminiModel,
			Categories:        deps.Validator.Categories(),
			Timeout:           cfg.ClassifierTimeout,
			RequestsPerMinute: cfg.ClassifierRPM,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Open: %w", err)
		}
		deps.Classifier = g
	} else {
		log.Debug().Msg("GEMINI_API_KEY not set, receipt classification disabled")
	}

	if cfg.Validate(config.FeatureArchive) == nil {
		gcs, err := gcsuploader.NewGCSStorageService(ctx, cfg.ArchiveBucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Open: %w", err)
		}
		a.Storage = gcs
		a.closers = append(a.closers, gcs)
		deps.Archiver = gcs
	}

	a.Service = pipeline.NewService(deps)
	log.Info().
		Str("backend", cfg.StoreBackend).
		Bool("classifier", deps.Classifier != nil).
		Bool("archive", deps.Archiver != nil).
		Msg("Application wired")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendSheets:
		return sheets.NewRowStore(ctx, cfg.SpreadsheetID, cfg.GoogleCredentialsFile, cfg.StoreTimeout)
	case config.BackendBigQuery:
		s, err := infraBQ.NewRowStore(ctx, cfg.BQProject, cfg.BQDataset, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	case config.BackendMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Tables returns every table the app writes to with its header.
func (a *App) Tables() map[string][]string {
	tables := map[string][]string{
		a.Ledger.DefaultTable(): store.TransactionHeader,
		a.Master.Table():        store.MasterHeader,
	}
	for _, id := range a.Registry.IDs() {
		if s, err := a.Registry.Lookup(id); err == nil && s.Table != "" {
			tables[s.Table] = store.TransactionHeader
		}
	}
	return tables
}

// InitStore creates any missing table, when the backend supports it.
func (a *App) InitStore(ctx context.Context) error {
	creator, ok := a.Store.(store.TableCreator)
	if !ok {
		return fmt.Errorf("InitStore: backend %s cannot create tables", a.Config.StoreBackend)
	}
	for table, header := range a.Tables() {
		if err := creator.EnsureTable(ctx, table, header); err != nil {
			return fmt.Errorf("InitStore: %w", err)
		}
	}
	return nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
