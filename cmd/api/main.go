package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/kakeibo/internal/api/handlers"
	"github.com/dvloznov/kakeibo/internal/api/middleware"
	"github.com/dvloznov/kakeibo/internal/app"
	"github.com/dvloznov/kakeibo/internal/config"
	"github.com/dvloznov/kakeibo/internal/jobs/inmemory"
	"github.com/dvloznov/kakeibo/internal/logger"
)

const maxUploadBytes = 32 << 20

func main() {
	cfg := config.Load()

	// Parse command-line flags
	var (
		port    = flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
		workers = flag.Int("workers", 2, "Number of import job workers")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()
	logger.SetLevel(cfg.LogLevel)

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise application")
	}
	defer a.Close()

	if !cfg.AllowRemoteImport {
		log.Warn().Msg("ALLOW_REMOTE_IMPORT is off - CSV import endpoints are disabled")
	}

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, *workers, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Int("workers", *workers).Msg("Starting job workers")
	if err := jobQueue.Start(workerCtx, a.Service.HandleImportJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	// Initialize handlers
	importsHandler := handlers.NewImportsHandler(a.Service, jobQueue, cfg.AllowRemoteImport, maxUploadBytes, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)
	ledgerHandler := handlers.NewLedgerHandler(a.Service, maxUploadBytes, log)

	mux := handlers.NewRouter(importsHandler, jobsHandler, ledgerHandler)

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(log)(
				middleware.CORS(mux),
			),
		),
	)

	// Receipt classification can take most of the classifier timeout.
	writeTimeout := 15 * time.Second
	if cfg.ClassifierTimeout+15*time.Second > writeTimeout {
		writeTimeout = cfg.ClassifierTimeout + 15*time.Second
	}

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Str("backend", cfg.StoreBackend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight imports finish before cancelling the workers
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
