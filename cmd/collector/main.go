// Command collector subscribes to machine status reports, tracks liveness
// and serves the fleet view over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/app"
	"github.com/galavrah/machine-status-monitoring/internal/config"
	"github.com/galavrah/machine-status-monitoring/internal/logging"
	"github.com/galavrah/machine-status-monitoring/internal/telemetry"
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"nats-url":          "nats.url",
	"subject":           "nats.subject",
	"last-will-events":  "nats.last_will_events",
	"offline-threshold": "liveness.offline_threshold",
	"sweep-interval":    "liveness.sweep_interval",
	"store-driver":      "store.driver",
	"store-path":        "store.path",
	"store-dsn":         "store.dsn",
	"grpc-addr":         "grpc.addr",
	"http-addr":         "http.addr",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"tracing":           "tracing.enabled",
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "collector",
		Short:         "Track machine liveness from status reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML config file")
	f.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	f.String("subject", "machine_status.>", "subject to subscribe to")
	f.Bool("last-will-events", false, "treat agent disconnect advisories as offline announcements")
	f.Duration("offline-threshold", time.Minute, "silence after which an online machine is declared offline")
	f.Duration("sweep-interval", 5*time.Second, "how often the offline sweep runs")
	f.String("store-driver", "badger", "store backend: badger, postgres, sqlite, memory or none")
	f.String("store-path", "./data/badger", "badger directory or sqlite file")
	f.String("store-dsn", "", "Postgres connection string")
	f.String("grpc-addr", ":50051", "gRPC listen address")
	f.String("http-addr", ":9090", "metrics and health listen address")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "json", "json or console")
	f.Bool("tracing", false, "export trace spans to stdout")

	// Only flags set on the command line override the file and environment.
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		set := map[string]string{}
		for name, key := range flagKeys {
			if cmd.Flags().Changed(name) {
				set[name] = key
			}
		}
		return config.BindFlags(v, cmd.Flags(), set)
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, nil, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	log.Info("starting collector",
		zap.String("nats", cfg.NATS.URL),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("offline_threshold", cfg.Liveness.OfflineThreshold),
		zap.Duration("sweep_interval", cfg.Liveness.SweepInterval))

	c, err := app.NewCollector(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "collector:", err)
		code := 1
		if errors.Is(err, app.ErrStoreUnavailable) {
			code = 2
		}
		stop()
		os.Exit(code)
	}
}
