// Package main runs the Temporal worker that executes hierarchy
// reconciliation and content release workflows.
//
// Usage:
//
//	DEPLOY_DATABASE_DSN=postgres://... \
//	DEPLOY_GITLAB_TOKEN=glpat-xxx \
//	./deploy-worker -config /etc/deploy/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/computor-org/computor-fullstack-sub002/internal/config"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/services"
	"github.com/computor-org/computor-fullstack-sub002/internal/telemetry"
	"github.com/computor-org/computor-fullstack-sub002/internal/workflows"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEPLOY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "deployment worker starting",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger.Named("temporal")),
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	// The run service needs a starter even though the worker never submits runs.
	starter, err := workflows.NewTemporalStarter(c, cfg.Temporal.TaskQueue, cfg.Release.StagingConcurrency)
	if err != nil {
		return err
	}

	reg, err := services.Build(ctx, services.Options{
		Config:  cfg,
		Logger:  logger,
		Starter: starter,
	})
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer func() { _ = reg.Close() }()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	if err := workflows.Register(w, &workflows.Activities{
		Runs:        reg.Runs(),
		Nodes:       reg.Nodes(),
		Reconciler:  reg.Reconciler(),
		Deployments: reg.Deployments(),
		Staging:     reg.Staging(),
		Logger:      logger,
	}); err != nil {
		return fmt.Errorf("registering workflows: %w", err)
	}

	// The worker stops on a shutdown signal. The watcher exits with it.
	stop := make(chan interface{})
	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatching := context.WithCancel(gctx)
	defer stopWatching()
	g.Go(func() error {
		defer stopWatching()
		logger.Info(ctx, "worker starting")
		if err := w.Run(stop); err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			logger.Info(ctx, "shutdown signal received")
		}
		close(stop)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info(ctx, "worker stopped gracefully")
	return nil
}
