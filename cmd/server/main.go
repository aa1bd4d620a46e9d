// Package main is the entry point for the vigil background engine. It wires
// the durable task queues, the scheduler, the provider clients and the HTTP
// API, then runs until told to stop.
//
// Startup order matters: databases and the task store come up first, then
// handler registration, then queue recovery, and only once the engine is
// consistent do the scheduler, the market feed and the HTTP server start
// accepting new work.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/vigil/internal/clients/analysis"
	"github.com/aristath/vigil/internal/clients/marketdata"
	"github.com/aristath/vigil/internal/clients/marketfeed"
	"github.com/aristath/vigil/internal/clients/news"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/freshness"
	"github.com/aristath/vigil/internal/handlers"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/parsing"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/queue"
	"github.com/aristath/vigil/internal/reliability"
	"github.com/aristath/vigil/internal/retry"
	"github.com/aristath/vigil/internal/rotation"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/server"
	"github.com/aristath/vigil/internal/task"
	"github.com/aristath/vigil/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting vigil")

	// Databases. The task archive gets the ledger profile because execution
	// history must survive crashes intact; entity state is rebuildable.
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	tasksDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "tasks.db"),
		Profile: database.ProfileLedger,
		Name:    "tasks",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open tasks database")
	}
	defer tasksDB.Close()

	for _, db := range []*database.DB{stateDB, tasksDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	priceRepo, err := prices.Open(filepath.Join(cfg.DataDir, "prices.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open price history database")
	}
	defer priceRepo.Close()

	store, err := task.NewStore(filepath.Join(cfg.DataDir, "tasks"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open task store")
	}

	tracker := freshness.NewTracker(stateDB.Conn())
	hist := history.NewRepository(tasksDB.Conn(), log)
	bus := events.NewBus(log)

	// Provider clients. Key pools are optional; without one the matching
	// fetch tasks fail with a configuration error instead of running.
	var marketKeys *rotation.Rotator
	if len(cfg.MarketDataKeys) > 0 {
		marketKeys, err = rotation.New("marketdata", cfg.MarketDataKeys, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build market data key pool")
		}
	} else {
		log.Warn().Msg("No market data API keys configured")
	}

	var newsKeys *rotation.Rotator
	if len(cfg.NewsKeys) > 0 {
		newsKeys, err = rotation.New("news", cfg.NewsKeys, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build news key pool")
		}
	} else {
		log.Warn().Msg("No news API keys configured")
	}

	deps := handlers.Deps{
		Config:   cfg,
		Tracker:  tracker,
		Prices:   priceRepo,
		History:  hist,
		Store:    store,
		StateDB:  stateDB,
		TasksDB:  tasksDB,
		Market:   marketdata.NewClient(cfg.MarketDataBaseURL, marketKeys, log),
		News:     news.NewClient(cfg.NewsBaseURL, newsKeys, log),
		Analysis: analysis.NewClient(cfg.AnalysisURL, cfg.AnalysisToken, log),
		Parser:   parsing.NewParser(log),
		Bus:      bus,
		Log:      log,
	}

	// Cloud backups are optional; the store_backup task skips itself when no
	// bucket is configured. Deps.Backup stays unset then.
	if cfg.Backup.Bucket != "" {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		deps.Backup = reliability.NewService(s3Client, cfg.DataDir, cfg.Backup.RetentionDays,
			[]*database.DB{stateDB, tasksDB}, log)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Cloud backups enabled")
	}

	registry := task.NewRegistry()
	handlers.Register(registry, deps)

	manager := queue.NewManager(registry, store, retry.DefaultPolicy(), hist, bus, log)
	for _, name := range task.QueueNames() {
		manager.RegisterQueue(name)
	}

	// Rebuild the queues from disk before anything starts submitting; tasks
	// that were mid-run when the process died go back to pending.
	if err := manager.Recover(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover task store")
	}

	scheduler.RegisterEventRoutes(bus, manager, registry, log)
	sched := scheduler.New(manager, registry, bus, cfg, log)

	manager.Start()
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	var feed *marketfeed.Feed
	if cfg.MarketFeedURL != "" {
		feed = marketfeed.NewFeed(cfg.MarketFeedURL, bus, log)
		if err := feed.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start market feed, continuing without it")
			feed = nil
		}
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Manager:   manager,
		Scheduler: sched,
		History:   hist,
		Bus:       bus,
		Log:       log,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().
		Int("port", cfg.Port).
		Int("task_types", registry.Count()).
		Int("universe", len(cfg.Universe)).
		Msg("vigil started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop intake first, then drain execution, then the API. Database handles
	// close last via the defers above.
	sched.Stop()
	manager.Stop()

	if feed != nil {
		if err := feed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping market feed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	log.Info().Msg("vigil stopped")
}
