// Package handlers implements the body of every registered task type:
// balance sync, market data refresh, news and earnings ingestion, AI
// analysis, risk monitoring and nightly maintenance. Each area wires its own
// dependencies and registers its descriptors; Register installs the full
// table.
package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients/marketdata"
	"github.com/aristath/vigil/internal/clients/news"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/freshness"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/parsing"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/task"
)

// MarketData is the slice of the market data client the handlers call.
type MarketData interface {
	GetQuotes(ctx context.Context, symbols []string) ([]marketdata.Quote, error)
	GetDailyHistory(ctx context.Context, symbol string, days int) ([]marketdata.PricePoint, error)
	GetAccountBalances(ctx context.Context) ([]marketdata.AccountBalance, error)
}

// NewsProvider is the slice of the news client the handlers call.
type NewsProvider interface {
	GetNews(ctx context.Context, symbol string, since time.Time, limit int) ([]news.Article, error)
	GetEarningsCalendar(ctx context.Context, from, to time.Time) ([]news.EarningsEvent, error)
}

// Analyzer requests a recommendation for one symbol from the AI backend.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string, extra map[string]interface{}) (string, error)
}

// BackupRunner creates and rotates store backups.
type BackupRunner interface {
	CreateAndUploadBackup(ctx context.Context) (string, error)
	RotateOldBackups(ctx context.Context) (int, error)
}

// Deps bundles everything the handler set needs. Backup may be nil when no
// bucket is configured; the backup task then logs and succeeds without doing
// anything.
type Deps struct {
	Config   *config.Config
	Tracker  *freshness.Tracker
	Prices   *prices.Repository
	History  *history.Repository
	Store    *task.Store
	StateDB  *database.DB
	TasksDB  *database.DB
	Market   MarketData
	News     NewsProvider
	Analysis Analyzer
	Parser   *parsing.Parser
	Backup   BackupRunner
	Bus      *events.Bus
	Log      zerolog.Logger
}

// Register installs the full descriptor table into the registry.
func Register(registry *task.Registry, d Deps) {
	registerSync(registry, d)
	registerMarket(registry, d)
	registerNews(registry, d)
	registerAnalysis(registry, d)
	registerRisk(registry, d)
	registerMaintenance(registry, d)
}

// symbolsFromMetadata reads a symbols list from task metadata, falling back
// to the configured universe. Metadata that went through the store comes
// back as []interface{}, so both shapes are accepted.
func symbolsFromMetadata(t *task.Task, fallback []string) []string {
	raw, ok := t.Metadata["symbols"]
	if !ok {
		return fallback
	}

	switch v := raw.(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	return fallback
}

// metadataString reads a single string value from task metadata.
func metadataString(t *task.Task, key string) string {
	if raw, ok := t.Metadata[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}
