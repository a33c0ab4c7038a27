// Package main is the entry point for the automi-agent binary.
//
// Startup sequence:
//  1. Load configuration (config.yaml + AUTOMI_ environment variables)
//  2. Build logger
//  3. Build executor
//  4. Run the connection loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/agent/connection"
	"github.com/sergiusz-x/automi/internal/agent/executor"
	"github.com/sergiusz-x/automi/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "automi-agent",
		Short: "Automi agent — script runner for the Automi platform",
		Long: `Automi agent runs on each host that executes tasks.
It keeps a persistent WebSocket connection to the Automi server,
receives script dispatches, runs them, and reports the results.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml (also searched: ., /etc/automi)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("automi-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting automi agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("server", cfg.Agent.ServerURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exec := executor.New(cfg.Agent.WorkDir, logger)

	mgr := connection.New(connection.Config{
		ServerURL: cfg.Agent.ServerURL,
		AgentID:   cfg.Agent.ID,
		AuthToken: cfg.Agent.AuthToken,
		Headers:   cfg.Agent.Headers,
	}, exec, logger)

	// Run blocks until ctx is cancelled or the server rejects the agent
	// with a close code retrying cannot fix.
	if err := mgr.Run(ctx); err != nil {
		return err
	}

	logger.Info("automi agent stopped")
	return nil
}

func buildLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	return zcfg.Build()
}
