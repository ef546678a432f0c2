package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/eventworker"
	"github.com/glimte/eventworker/internal/config"
	"github.com/glimte/eventworker/internal/metrics"
	"github.com/glimte/eventworker/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   "eventworker",
		Short: "Consume API event logs and forward them to marketing platforms",
		Long: `eventworker consumes msgpack encoded event-log records from RabbitMQ,
routes them to the analytics and CRM platforms registered for their API path
and acknowledges each message once it has been delivered.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", ".", "Directory holding an optional app.env file")

	rootCmd.AddCommand(newRunCmd(&configDir), newPublishCmd(&configDir), newVersionCmd())
	return rootCmd
}

func loadConfig(dir string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRunCmd(configDir *string) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			if queue != "" {
				cfg.Queue = queue
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.OTLPEndpoint != "" {
				shutdown, err := metrics.InitProvider(ctx, metrics.ProviderConfig{
					Endpoint:       cfg.OTLPEndpoint,
					ServiceName:    "eventworker",
					ServiceVersion: version,
					Interval:       cfg.MetricInterval,
				})
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(flushCtx); err != nil {
						logger.Warn("failed to flush metrics", "error", err)
					}
				}()
			}

			eventworker.Version = version
			w, err := eventworker.New(ctx, cfg, eventworker.WithLogger(logger))
			if err != nil {
				return err
			}

			if err := w.Run(ctx); err != nil {
				logger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to consume (overrides QUEUE_TO_LISTEN)")
	return cmd
}

func newPublishCmd(configDir *string) *cobra.Command {
	var (
		key     string
		payload string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one JSON document as a msgpack message and wait for the confirm",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return errors.New("--key is required")
			}
			var doc any
			if err := json.Unmarshal([]byte(payload), &doc); err != nil {
				return fmt.Errorf("invalid --json: %w", err)
			}

			cfg, logger, err := loadConfig(*configDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			p := rabbitmq.NewPublisher(cfg.RabbitMQURI, cfg.ExchangeName,
				rabbitmq.WithPublisherLogger(logger),
				rabbitmq.WithAppID(cfg.PublishAppID),
				rabbitmq.WithContentType(cfg.PublishContentType),
				rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
				rabbitmq.WithPublisherTimeouts(cfg.SocketTimeout, cfg.Heartbeat))
			if err := p.Publish(ctx, key, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %q with key %q\n", cfg.ExchangeName, key)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "Routing key")
	cmd.Flags().StringVarP(&payload, "json", "j", "{}", "JSON document to publish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall publish timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventworker %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
