package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/agrolens/internal/api"
	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/models"
	"github.com/rewired-gh/agrolens/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and, when configured, run analyses on a schedule",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		pool := worker.New(cfg.Worker.Size, a.metrics)
		srv := api.NewServer(a.pipeline, a.store, a.ollama, pool, api.Options{
			RunRateLimit: cfg.Server.RunRateLimit,
			RunBurst:     cfg.Server.RunBurst,
			CORSOrigins:  cfg.Server.CORSOrigins,
			Metrics:      a.metrics,
		})

		httpServer := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      srv,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("HTTP API listening on %s (workers=%d)", cfg.Server.Addr, pool.Size())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		scheduleDone := make(chan struct{})
		go func() {
			defer close(scheduleDone)
			if cfg.Schedule.Interval > 0 {
				runSchedule(ctx, a, pool, cfg.Schedule.Interval)
			}
		}()

		var err error
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, cleaning up...")
		case err = <-serveErr:
			if err != nil {
				err = fmt.Errorf("HTTP server failed: %w", err)
			}
		}

		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("HTTP shutdown did not complete: %v", shutdownErr)
		}
		<-scheduleDone
		if closeErr := pool.Close(); closeErr != nil {
			logger.Error("Worker pool closed with error: %v", closeErr)
		}
		logger.Info("Service stopped")
		return err
	}),
}

// runSchedule runs one analysis immediately and then every interval until
// ctx is done. Scheduled runs share the worker pool with API requests.
func runSchedule(ctx context.Context, a *app, pool *worker.Pool, interval time.Duration) {
	logger.Info("Starting scheduled analysis (interval: %v)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := func() {
		outcome, err := worker.Submit(ctx, pool, func(ctx context.Context) (*models.RunOutcome, error) {
			return a.pipeline.Run(ctx, "")
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Scheduled analysis failed (%d consecutive): %v", a.pipeline.ConsecutiveFailures(), err)
			}
			return
		}
		logger.Info("Scheduled analysis stored as result %d", outcome.ResultID)
	}

	logger.Debug("Running initial analysis cycle")
	cycle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("Starting scheduled analysis cycle")
			cycle()
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
