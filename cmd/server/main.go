/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reward ledger server, or runs a one-off
  reconciliation pass. Handles configuration, dependency injection, and
  graceful shutdown.

COMMANDS:
  serve      Start the HTTP API and the reconciliation scheduler
  reconcile  Replay every user's log once; exits 1 on any mismatch

FLAGS:
  --config   Path to a YAML config file (default: ./config.yaml if present)
  --port     Override server.port (serve only)
  --db       Override database.path; ":memory:" for an in-memory database

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, config file, REWARD_* env)
  2. Build logger
  3. Initialize SQLite store
  4. Build task registry, reward engine, withdrawal manager
  5. Start reconciliation scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection

EXAMPLES:
  ./server serve --db="./data/rewards.db"
  REWARD_AUTH_BOT_TOKEN=... ./server serve --port=3000
  ./server reconcile --config=prod.yaml

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/api"
	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/logging"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/store/sqlite"
	"github.com/warp/reward-ledger/tasks"
	"github.com/warp/reward-ledger/withdrawals"
)

var (
	configPath string
	portFlag   int
	dbFlag     string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Reward ledger and withdrawal service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path (overrides database.path)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	serve.Flags().IntVar(&portFlag, "port", 0, "HTTP server port (overrides server.port)")

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify every balance against its transaction log",
		RunE:  runReconcile,
	}

	root.AddCommand(serve, reconcile)
	return root
}

// loadConfig applies flag overrides on top of the loaded configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if dbFlag != "" {
		cfg.Database.Path = dbFlag
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	registry, err := tasks.NewCachedRegistry(ctx, store, cfg.Tasks.CacheTTL, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	rewardsCfg, err := cfg.RewardsConfig()
	if err != nil {
		return err
	}
	withdrawalsCfg, err := cfg.WithdrawalsConfig()
	if err != nil {
		return err
	}

	engine := rewards.NewEngine(store, registry, rewardsCfg, logger)
	manager := withdrawals.NewManager(store, withdrawalsCfg, logger)
	reconciler := api.NewReconciler(store, logger)

	if cfg.Reconcile.Enabled {
		scheduler := api.NewReconciliationScheduler(reconciler, cfg.Reconcile.Interval, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer func() {
			if err := scheduler.Stop(); err != nil {
				logger.Warn("scheduler shutdown failed", zap.Error(err))
			}
		}()
	}

	handler := api.NewHandler(store, engine, manager, registry, reconciler, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BotToken:       cfg.Auth.BotToken,
		MaxAuthAge:     cfg.Auth.MaxAuthAge,
		AdminToken:     cfg.Auth.AdminToken,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Auth.BotToken == "" {
		logger.Warn("no bot token configured; user routes trust the path id")
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := api.NewReconciler(store, logger).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "checked %d users, %d mismatches, %d errors\n",
		report.Checked, len(report.Mismatches), len(report.Errors))
	for _, m := range report.Mismatches {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", m.Error())
	}
	if !report.OK() {
		return errors.New("ledger reconciliation failed")
	}
	return nil
}
