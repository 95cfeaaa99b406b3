package main

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"mqttlog/internal/config"
	"mqttlog/internal/logging"
	"mqttlog/internal/orchestrator"
)

// run starts one pipeline per topic and, when watch is set, reloads the
// config file on change. It blocks until ctx is cancelled, then drains and
// closes every pipeline.
func run(ctx context.Context, logger *slog.Logger, filter *logging.ComponentFilterHandler, path string, cfg config.Config, watch bool) error {
	dialer, err := brokers.Lookup(cfg.Broker)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Settings: cfg,
		Dialer:   dialer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting mqttlog",
		"version", version,
		"broker", cfg.Broker,
		"host", cfg.Host,
		"port", cfg.Port,
		"topics", cfg.Topics,
		"log_dir", cfg.LogDir)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if watch {
		w := &config.Watcher{
			Path:     path,
			OnChange: reloader(logger, filter, orch, cfg),
			Logger:   logger,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	// Wait for shutdown signal or a failed watcher.
	<-gctx.Done()

	logger.Info("shutting down")
	stopErr := orch.Stop()
	if err := errors.Join(g.Wait(), stopErr); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// reloader returns the watcher callback. The watcher calls it from a single
// goroutine, so current needs no lock.
func reloader(logger *slog.Logger, filter *logging.ComponentFilterHandler, orch *orchestrator.Orchestrator, current config.Config) func(config.Config) {
	return func(next config.Config) {
		next.ApplyLogLevels(filter, current)
		if err := orch.Apply(next); err != nil {
			logger.Error("apply config", "error", err)
			return
		}
		current = next
	}
}
