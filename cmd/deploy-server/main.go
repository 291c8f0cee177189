// Package main runs the deployment engine HTTP API. Submissions are started
// as Temporal workflows and executed by deploy-worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/config"
	httpserver "github.com/computor-org/computor-fullstack-sub002/internal/http"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/services"
	"github.com/computor-org/computor-fullstack-sub002/internal/telemetry"
	"github.com/computor-org/computor-fullstack-sub002/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEPLOY_CONFIG"), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("deploy-server %s (%s)\n", version, gitCommit)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the API and blocks until ctx is cancelled, then shuts the
// server down within the configured timeout.
func run(ctx context.Context, configPath string) error {
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
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "starting deploy-server",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
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
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() { _ = reg.Close() }()

	var opts []httpserver.Option
	if reg.NATS() != nil {
		opts = append(opts, httpserver.WithNATS(reg.NATS()))
	}
	srv, err := httpserver.NewServer(reg.Runs(), reg.Deployments(), logger, &httpserver.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		RequestBurst:      cfg.Server.RequestBurst,
		SubjectPrefix:     cfg.NATS.SubjectPrefix,
	}, opts...)
	if err != nil {
		return err
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
