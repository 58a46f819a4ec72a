package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/internal/api"
	"github.com/yairfalse/kredo/internal/daemon"
	"github.com/yairfalse/kredo/internal/queue"
	"github.com/yairfalse/kredo/telemetry"
)

// serveCmd runs the attribution daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attribution API, metrics server and conversion consumer",
	Long: `Run Kredo as a long-lived service.

Serves journey intake, order attribution, conversion ingest and decision
reads over HTTP, exports Prometheus metrics with /health and /-/ready on
the metrics address, and consumes conversions from SQS when a queue URL is
configured. Shuts down gracefully on SIGTERM/SIGINT.`,
	Example: `  kredo serve                          # Run with defaults (bbolt under ./data)
  kredo serve --config kredo.yaml      # Run with a config file
  kredo serve --log-level debug        # Verbose logging`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := telemetry.NewLogger("kredo")

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.OTEL.Environment,
		Endpoint:       cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
		SampleRatio:    cfg.OTEL.Traces.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	handler, err := api.NewHandler(a.service, api.Config{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		SiteURL:      cfg.Server.SiteURL,
		Debug:        cfg.Server.Debug,
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	var consumer daemon.Consumer
	if cfg.Queue.SQSQueueURL != "" {
		c, err := queue.New(ctx, cfg.Queue.Region, queue.Config{
			QueueURL:          cfg.Queue.SQSQueueURL,
			WaitSeconds:       cfg.Queue.WaitSeconds,
			MaxMessages:       cfg.Queue.MaxMessages,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, a.service)
		if err != nil {
			return fmt.Errorf("failed to create conversion consumer: %w", err)
		}
		consumer = c
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Addr:         cfg.Server.Addr,
		MetricsAddr:  cfg.Server.MetricsAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler.Router(), consumer)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("storage", cfg.Storage.Driver).
		Bool("audit", cfg.Audit.Enabled).
		Bool("release_policy", cfg.Policy.Enabled).
		Msg("kredo starting")

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	logger.Info().Msg("kredo stopped")
	return nil
}
