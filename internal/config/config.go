// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for task records and databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// External providers
	MarketDataBaseURL string
	MarketDataKeys    []string // Rotated key pool for the market-data provider
	NewsBaseURL       string
	NewsKeys          []string // Rotated key pool for the news provider
	AnalysisURL       string   // AI analysis backend
	AnalysisToken     string   // Optional bearer token for the analysis backend
	MarketFeedURL     string   // Market-status websocket feed (empty = disabled)

	// Freshness windows consulted by fetch handlers
	QuoteFreshness    time.Duration
	NewsFreshness     time.Duration
	EarningsFreshness time.Duration
	BalancesFreshness time.Duration

	// Watchlist driving market-data, news and analysis work
	Universe []string

	// Retention
	HistoryRetentionDays int

	// Cloud backup (S3-compatible; disabled when Bucket is empty)
	Backup BackupConfig
}

// BackupConfig holds object storage settings for the backup service
type BackupConfig struct {
	Bucket        string
	Endpoint      string
	Region        string
	AccessKeyID   string
	SecretKey     string
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it exists.
	// Task records, sqlite databases and backup staging all live under it.
	dataDir := getEnv("VIGIL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("VIGIL_PORT", 8090),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		MarketDataBaseURL: getEnv("MARKET_DATA_URL", "https://api.marketdata.internal"),
		MarketDataKeys:    getEnvAsList("MARKET_DATA_API_KEYS"),
		NewsBaseURL:       getEnv("NEWS_API_URL", "https://api.news.internal"),
		NewsKeys:          getEnvAsList("NEWS_API_KEYS"),
		AnalysisURL:       getEnv("ANALYSIS_SERVICE_URL", "http://localhost:9000"),
		AnalysisToken:     getEnv("ANALYSIS_SERVICE_TOKEN", ""),
		MarketFeedURL:     getEnv("MARKET_FEED_WS_URL", ""),

		QuoteFreshness:    getEnvAsDuration("QUOTE_FRESHNESS", 10*time.Minute),
		NewsFreshness:     getEnvAsDuration("NEWS_FRESHNESS", 25*time.Minute),
		EarningsFreshness: getEnvAsDuration("EARNINGS_FRESHNESS", 6*time.Hour),
		BalancesFreshness: getEnvAsDuration("BALANCES_FRESHNESS", 25*time.Minute),

		Universe: getEnvAsList("UNIVERSE_SYMBOLS"),

		HistoryRetentionDays: getEnvAsInt("HISTORY_RETENTION_DAYS", 14),

		Backup: BackupConfig{
			Bucket:        getEnv("BACKUP_BUCKET", ""),
			Endpoint:      getEnv("BACKUP_ENDPOINT", ""),
			Region:        getEnv("BACKUP_REGION", "auto"),
			AccessKeyID:   getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretKey:     getEnv("BACKUP_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HistoryRetentionDays < 1 {
		return fmt.Errorf("history retention must be at least 1 day, got %d", c.HistoryRetentionDays)
	}

	// Provider keys are optional: handlers degrade to skipping external
	// fetches when no credentials are configured.
	return nil
}

// ScheduleOverride holds optional per-task-type schedule settings from the
// environment. Nil fields mean "use the built-in default".
type ScheduleOverride struct {
	Enabled  *bool
	Interval *time.Duration
	Priority *int
}

// ScheduleOverrideFor reads SCHEDULE_<TYPE>_{ENABLED,INTERVAL_MINUTES,PRIORITY}
// for a task type name like "market_data_refresh".
func (c *Config) ScheduleOverrideFor(taskType string) ScheduleOverride {
	prefix := "SCHEDULE_" + strings.ToUpper(strings.ReplaceAll(taskType, "-", "_"))

	var o ScheduleOverride
	if value := os.Getenv(prefix + "_ENABLED"); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			o.Enabled = &b
		}
	}
	if value := os.Getenv(prefix + "_INTERVAL_MINUTES"); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil && minutes > 0 {
			d := time.Duration(minutes) * time.Minute
			o.Interval = &d
		}
	}
	if value := os.Getenv(prefix + "_PRIORITY"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			o.Priority = &p
		}
	}
	return o
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, trimming
// whitespace and dropping empty entries.
func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}
