// Package config loads application settings from the environment, reading a
// .env file first when one exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingConfig is returned by Validate when required keys are unset.
var ErrMissingConfig = errors.New("missing configuration")

// Store backends.
const (
	BackendSheets   = "sheets"
	BackendBigQuery = "bigquery"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Feature names a group of settings an operation depends on.
type Feature string

const (
	FeatureStore      Feature = "store"
	FeatureClassifier Feature = "classifier"
	FeatureArchive    Feature = "archive"
	FeatureNotion     Feature = "notion"
)

// AppConfig holds all settings.
type AppConfig struct {
	StoreBackend          string
	SpreadsheetID         string
	GoogleCredentialsFile string
	BQProject             string
	BQDataset             string
	SQLitePath            string
	TransactionsTable     string
	MasterTable           string

	GeminiAPIKey      string
	GeminiModel       string
	ClassifierTimeout time.Duration
	ClassifierRPM     int

	ArchiveBucket string

	NotionToken            string
	NotionReportDatabaseID string

	StoreTimeout   time.Duration
	MasterCacheTTL time.Duration

	Members           []string
	Categories        []string
	AllowRemoteImport bool

	Port     string
	LogLevel string
}

// Load reads .env (if present) and the environment. Malformed values fall
// back to their defaults.
func Load() *AppConfig {
	// A missing .env file is the normal case in deployed environments.
	_ = godotenv.Load()

	backend := strings.ToLower(getEnv("KAKEIBO_STORE_BACKEND", BackendSheets))
	cfg := &AppConfig{
		StoreBackend:          backend,
		SpreadsheetID:         getEnv("SPREADSHEET_ID", ""),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		BQProject:             getEnv("BQ_PROJECT", ""),
		BQDataset:             getEnv("BQ_DATASET", "kakeibo"),
		SQLitePath:            getEnv("SQLITE_PATH", "./kakeibo.db"),
		TransactionsTable:     getEnv("TRANSACTIONS_TABLE", "Transaction_Log"),
		MasterTable:           getEnv("MASTER_TABLE", "Category_Master"),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		ClassifierTimeout: getEnvAsDuration("CLASSIFIER_TIMEOUT", 60*time.Second),
		ClassifierRPM:     getEnvAsInt("CLASSIFIER_RPM", 10),

		ArchiveBucket: getEnv("GCS_ARCHIVE_BUCKET", ""),

		NotionToken:            getEnv("NOTION_TOKEN", ""),
		NotionReportDatabaseID: getEnv("NOTION_REPORT_DATABASE_ID", ""),

		StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", 30*time.Second),
		MasterCacheTTL: getEnvAsDuration("MASTER_CACHE_TTL", 5*time.Minute),

		Members:    getEnvAsList("MEMBERS"),
		Categories: getEnvAsList("CATEGORIES"),

		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	localBackend := backend == BackendSQLite || backend == BackendMemory
	cfg.AllowRemoteImport = getEnvAsBool("ALLOW_REMOTE_IMPORT", localBackend)
	return cfg
}

// Validate checks the keys needed by the given features.
func (c *AppConfig) Validate(features ...Feature) error {
	var missing []string
	need := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	for _, f := range features {
		switch f {
		case FeatureStore:
			switch c.StoreBackend {
			case BackendSheets:
				need("SPREADSHEET_ID", c.SpreadsheetID)
			case BackendBigQuery:
				need("BQ_PROJECT", c.BQProject)
				need("BQ_DATASET", c.BQDataset)
			case BackendSQLite:
				need("SQLITE_PATH", c.SQLitePath)
			case BackendMemory:
			default:
				return fmt.Errorf("Validate: unknown KAKEIBO_STORE_BACKEND %q", c.StoreBackend)
			}
		case FeatureClassifier:
			need("GEMINI_API_KEY", c.GeminiAPIKey)
		case FeatureArchive:
			need("GCS_ARCHIVE_BUCKET", c.ArchiveBucket)
		case FeatureNotion:
			need("NOTION_TOKEN", c.NotionToken)
			need("NOTION_REPORT_DATABASE_ID", c.NotionReportDatabaseID)
		default:
			return fmt.Errorf("Validate: unknown feature %q", f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
