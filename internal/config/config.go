// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults for tunables not set in the environment.
const (
	DefaultBatchSize   = 20
	DefaultMaxWorkers  = 4
	DefaultJPEGQuality = 85
	DefaultMaxPixels   = 100_000_000
	DefaultErrorFile   = "backfill-errors.csv"
)

// Config holds everything the backfill binary needs to wire its components.
type Config struct {
	// Relational store. Reads may go to a replica, writes to the primary.
	ReaderDSN string
	WriterDSN string

	// Search index.
	ESAddress  string
	ESUsername string
	ESPassword string

	// Stage is the deployment stage embedded in index names
	// ({domain}_{stage}_image).
	Stage string

	// Blob store. When BlobDir is set a local filesystem store is used
	// instead of S3 (development and tests).
	S3Region    string
	S3Endpoint  string
	S3KeyID     string
	S3Secret    string
	S3PathStyle bool
	BlobDir     string

	// Run tunables.
	BatchSize   int
	Workers     int
	JPEGQuality int
	MaxPixels   int
	ErrorFile   string

	// Ambient.
	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from the environment. A .env file is honoured if
// present and silently ignored otherwise.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ReaderDSN:   os.Getenv("DATABASE_URL_READER"),
		WriterDSN:   os.Getenv("DATABASE_URL_WRITER"),
		ESAddress:   esAddress(),
		ESUsername:  os.Getenv("ES_USERNAME"),
		ESPassword:  os.Getenv("ES_PASSWORD"),
		Stage:       envOr("APP_STAGE", "dev"),
		S3Region:    envOr("AWS_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3KeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		S3Secret:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		S3PathStyle: envBool("S3_PATH_STYLE"),
		BlobDir:     os.Getenv("BLOB_DIR"),
		BatchSize:   envInt("BACKFILL_BATCH_SIZE", DefaultBatchSize),
		Workers:     envInt("BACKFILL_WORKERS", defaultWorkers()),
		JPEGQuality: envInt("BACKFILL_JPEG_QUALITY", DefaultJPEGQuality),
		MaxPixels:   envInt("BACKFILL_MAX_PIXELS", DefaultMaxPixels),
		ErrorFile:   envOr("BACKFILL_ERROR_FILE", DefaultErrorFile),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
	}

	if cfg.WriterDSN == "" {
		cfg.WriterDSN = cfg.ReaderDSN
	}
	if cfg.ReaderDSN == "" {
		cfg.ReaderDSN = cfg.WriterDSN
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can support a run at all. Missing
// stores are fatal at startup; everything else has a default.
func (c *Config) Validate() error {
	if c.ReaderDSN == "" {
		return fmt.Errorf("DATABASE_URL_READER or DATABASE_URL_WRITER must be set")
	}
	if c.ESAddress == "" {
		return fmt.Errorf("ES_HOSTNAME must be set")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BACKFILL_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("BACKFILL_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxPixels < 1 {
		return fmt.Errorf("BACKFILL_MAX_PIXELS must be at least 1, got %d", c.MaxPixels)
	}
	return nil
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// defaultWorkers is proportional to core count but capped low: each worker
// holds a fully decoded image in memory.
func defaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > DefaultMaxWorkers {
		return DefaultMaxWorkers
	}
	if n < 1 {
		return 1
	}
	return n
}

func esAddress() string {
	host := os.Getenv("ES_HOSTNAME")
	if host == "" {
		return ""
	}
	if port := os.Getenv("ES_PORT"); port != "" {
		return host + ":" + port
	}
	return host
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
