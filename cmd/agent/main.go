// Command agent publishes this machine's status to the collector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/agent"
	"github.com/galavrah/machine-status-monitoring/internal/config"
	"github.com/galavrah/machine-status-monitoring/internal/logging"
	natsclient "github.com/galavrah/machine-status-monitoring/internal/nats"
)

var flagKeys = map[string]string{
	"nats-url":   "nats.url",
	"machine-id": "agent.machine_id",
	"id-file":    "agent.id_file",
	"interval":   "agent.interval",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Publish machine status reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			set := map[string]string{}
			for name, key := range flagKeys {
				if cmd.Flags().Changed(name) {
					set[name] = key
				}
			}
			return config.BindFlags(v, cmd.Flags(), set)
		},
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
	f.String("machine-id", "", "identity to report as (default: primary MAC or persisted id)")
	f.String("id-file", "/var/lib/machine-status/machine-id", "where a generated identity is kept")
	f.Duration("interval", agent.DefaultInterval, "time between reports")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "json", "json or console")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	id := cfg.Agent.MachineID
	if id == "" {
		if id, err = agent.ResolveIdentity(cfg.Agent.IDFile); err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
	}

	pub, err := natsclient.NewPublisher(cfg.NATS.URL, natsclient.AgentName(id), log)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.NATS.URL, err)
	}
	defer pub.Close()

	a, err := agent.New(pub, agent.NewProbe(), agent.Config{
		MachineID:       id,
		Interval:        cfg.Agent.Interval,
		ShutdownTimeout: 5 * time.Second,
	}, log, nil)
	if err != nil {
		return err
	}
	log.Info("publishing status", zap.String("machine_id", id), zap.String("nats", cfg.NATS.URL))
	return a.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		stop()
		os.Exit(1)
	}
}
