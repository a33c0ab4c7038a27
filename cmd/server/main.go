// Package main is the entry point for the automi-server binary.
// It wires all internal packages together and runs the controller.
//
// Startup sequence:
//  1. Load configuration (config.yaml + AUTOMI_ environment variables)
//  2. Build logger
//  3. Open the database and apply migrations
//  4. Build registry, notifier, task manager (with startup reconciliation)
//  5. Start the scheduler and hook it into task mutations
//  6. Start the gateway and the HTTP server (/ws, /healthz, /metrics)
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sergiusz-x/automi/internal/config"
	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/gateway"
	"github.com/sergiusz-x/automi/internal/notification"
	"github.com/sergiusz-x/automi/internal/registry"
	"github.com/sergiusz-x/automi/internal/repositories"
	"github.com/sergiusz-x/automi/internal/scheduler"
	"github.com/sergiusz-x/automi/internal/taskmanager"
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
		Use:   "automi-server",
		Short: "Automi server — controller for the Automi task platform",
		Long: `Automi server is the central controller of the Automi platform.
It authenticates agents over WebSocket, dispatches scripts to them on
schedule or on demand, tracks every run, and enforces task dependencies.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSeedCmd(&configPath))
	root.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml (also searched: ., /etc/automi)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("automi-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting automi server",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("driver", cfg.Database.Driver),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	gdb, err := openDatabase(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store := repositories.NewStore(gdb)

	// --- Core components ---
	reg := registry.New(logger)
	notifier := notification.New(cfg.Webhook.URL, cfg.Webhook.Secret, logger)
	manager := taskmanager.New(store, reg, notifier, logger)

	// Runs left in "running" by a previous controller crash are failed now,
	// before anything can dispatch.
	if err := manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	// --- Scheduler ---
	sched, err := scheduler.New(store.Tasks, manager, logger)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	// Timers follow task create/update/delete from here on.
	store.Tasks.SetChangeHook(sched)

	// --- Gateway ---
	gw := gateway.New(gateway.Config{
		DeniedIPs:      cfg.Gateway.DeniedIPs,
		RequiredHeader: cfg.Gateway.RequiredHeader,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		ConnAttempts:   cfg.Gateway.ConnAttempts,
		ConnWindow:     cfg.Gateway.ConnWindowDuration(),
	}, store, reg, manager, notifier, logger)
	go gw.Run()

	// --- HTTP server ---
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", gw.HandleAgentSocket)
	router.Get("/healthz", healthHandler(gdb))
	router.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// --- Graceful shutdown ---
	// Order matters: stop producing work, flip agents offline and close their
	// sockets, drain the HTTP server, then release the store.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	gw.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := db.Close(gdb); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}

	logger.Info("automi server stopped")
	return nil
}

func openDatabase(cfg *config.ServerConfig, logger *zap.Logger) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.Logging.Level == "debug" {
		logLevel = gormlogger.Info
	}
	return db.New(db.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Logger:          logger,
		LogLevel:        logLevel,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetimeDuration(),
	})
}

func healthHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), gdb); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
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
