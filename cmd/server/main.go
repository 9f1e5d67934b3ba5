// Package main is the entry point for the allocator portfolio optimization API.
// It serves the constrained mean-variance optimizer over HTTP, records every
// run in a local SQLite history and optionally ships history backups to an
// S3-compatible bucket.
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

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/history"
	"github.com/aristath/allocator/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/allocator/internal/modules/optimization/handlers"
	"github.com/aristath/allocator/internal/reliability"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/aristath/allocator/internal/server"
	"github.com/aristath/allocator/pkg/logger"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the application entry point:
// 1. Loads configuration from the environment (.env supported)
// 2. Initializes logging
// 3. Opens and migrates the history database when history is enabled
// 4. Wires the optimizer service and its HTTP handlers
// 5. Schedules history retention and off-site backups
// 6. Serves HTTP until SIGINT/SIGTERM, then shuts down gracefully
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("version", version).Str("data_dir", cfg.DataDir).Msg("Starting allocator")

	var historyDB *database.DB
	var runs optimizationhandlers.RunStore
	var historyRepo *history.Repository
	if cfg.History.Enabled {
		historyDB, err = database.New(database.Config{
			Path: filepath.Join(cfg.DataDir, "history.db"),
			Name: "history",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open history database")
		}
		defer func() {
			if err := historyDB.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close history database")
			}
		}()

		if err := historyDB.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate history database")
		}

		historyRepo = history.NewRepository(historyDB.Conn(), log)
		runs = historyRepo
		log.Info().Str("path", historyDB.Path()).Msg("Run history enabled")
	} else {
		log.Info().Msg("Run history disabled")
	}

	service := optimization.NewService(optimization.Config{
		Tolerance:     cfg.SolverTolerance,
		MaxIterations: cfg.SolverMaxIterations,
	}, log)

	optimizer := optimizationhandlers.NewHandler(service, runs, optimizationhandlers.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Timeout:        cfg.RequestTimeout,
	}, log)

	sched := scheduler.New(log)
	if err := registerJobs(sched, cfg, historyDB, historyRepo, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register background jobs")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Version:   version,
		HistoryDB: historyDB,
		Scheduler: sched,
		Optimizer: optimizer,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// In-flight solves get up to 10 seconds to finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()

	log.Info().Msg("Server stopped")
}

// registerJobs schedules history retention and, when a bucket is configured,
// off-site backups of the history database.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, historyDB *database.DB, repo *history.Repository, log zerolog.Logger) error {
	if repo == nil {
		return nil
	}

	retention := history.NewRetentionJob(repo, cfg.History.RetentionDays, log)
	if err := sched.AddJob(cfg.History.RetentionSchedule, retention); err != nil {
		return err
	}

	if !cfg.Backup.Enabled() {
		log.Info().Msg("Off-site backups disabled (BACKUP_S3_BUCKET not set)")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := reliability.NewS3Client(ctx, cfg.Backup)
	if err != nil {
		return err
	}
	backups := reliability.NewBackupService(store, historyDB, cfg.DataDir, log)
	return sched.AddJob(cfg.Backup.Schedule, reliability.NewBackupJob(backups, cfg.Backup.RetentionDays, log))
}
