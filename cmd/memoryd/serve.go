package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/engine"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

// telemetryShutdownTimeout bounds the metrics server drain on exit.
const telemetryShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon until interrupted",
	Long: `Start the daemon: open the datastore, run the maintenance
scheduler, watch the reference repository when configured, and serve
Prometheus metrics when telemetry is enabled. Stops on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	logger.Info("memoryd starting",
		zap.String("database", cfg.Database.Path),
		zap.Int("working_memory_capacity", cfg.WorkingMemory.Capacity),
		zap.Duration("maintenance_interval", cfg.Maintenance.Interval.Duration()),
		zap.String("repo_path", cfg.Collection.RepoPath))

	// First pass up front so a fresh daemon is immediately useful.
	if err := eng.RunMaintenance(ctx); err != nil {
		logger.Warn("initial maintenance pass had errors", zap.Error(err))
	}

	sched, err := engine.NewScheduler(eng, cfg.Maintenance.Interval.Duration(), logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	var telemetrySrv *http.Server
	if cfg.Telemetry.Enabled {
		telemetrySrv = serveTelemetry(cfg.Telemetry, logger)
	}

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- eng.WatchGit(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-watchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("git watcher failed", zap.Error(err))
		}
		<-ctx.Done()
	}

	logger.Info("shutting down")
	if telemetrySrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry server shutdown", zap.Error(err))
		}
	}
	return nil
}

func serveTelemetry(cfg config.TelemetryConfig, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("telemetry listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("telemetry server failed", zap.Error(err))
		}
	}()
	return srv
}
