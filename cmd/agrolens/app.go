package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/agrolens/internal/config"
	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/metrics"
	"github.com/rewired-gh/agrolens/internal/notify"
	"github.com/rewired-gh/agrolens/internal/ollama"
	"github.com/rewired-gh/agrolens/internal/pipeline"
	"github.com/rewired-gh/agrolens/internal/sensor"
	"github.com/rewired-gh/agrolens/internal/storage"
)

// app holds the components shared by the subcommands.
type app struct {
	store    *storage.Storage
	sensor   *sensor.Client
	ollama   *ollama.Client
	metrics  *metrics.Metrics
	notifier notify.Notifier
	pipeline *pipeline.Orchestrator
	redis    *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.New(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{
		store:  store,
		sensor: sensor.NewClient(cfg.Sensor.URL, cfg.Sensor.Timeout),
		ollama: ollama.NewClient(ollama.Config{
			Host:           cfg.Inference.Host,
			Model:          cfg.Inference.Model,
			Timeout:        cfg.Inference.Timeout,
			CatalogTimeout: cfg.Inference.CatalogTimeout,
			PullTimeout:    cfg.Inference.PullTimeout,
			Options:        cfg.Inference.Options,
		}),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	var notifiers notify.Multi
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, cfg.Telegram.RequestTimeout)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifiers = append(notifiers, tg)
		logger.Info("Telegram notifications enabled")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	if cfg.Events.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis at %s is not reachable yet, events will be retried per run: %v", cfg.Events.RedisAddr, err)
		}
		notifiers = append(notifiers, notify.NewRedis(a.redis, cfg.Events.Channel))
		logger.Info("Run events published on redis channel %s", cfg.Events.Channel)
	}

	opts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithNotifyTimeout(cfg.Worker.NotifyTimeout),
	}
	if len(notifiers) > 0 {
		a.notifier = notifiers
		opts = append(opts, pipeline.WithNotifier(notifiers))
	}
	a.pipeline = pipeline.New(a.sensor, a.store, a.ollama, opts...)
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// withApp builds the app for a command and closes it afterwards.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				logger.Error("Failed to close resources: %v", err)
			}
		}()
		return run(cmd, a, args)
	}
}
