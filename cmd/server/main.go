/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the labor billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Initialize SQLite store
  3. Wire the billing engine and accounting sync
  4. Configure HTTP router and start the sync retry scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the retry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

ENVIRONMENT:
  See config/config.go for the full list of keys.

SEE ALSO:
  - api/server.go: Router configuration
  - billing/engine.go: Run orchestration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/labor-billing/accounting"
	"github.com/warp/labor-billing/api"
	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/config"
	"github.com/warp/labor-billing/store/sqlite"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("failed to initialize database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var syncer billing.AccountingSync = accounting.Log{Logger: logger}
	if cfg.AccountingSyncURL != "" {
		syncer = accounting.NewWebhook(cfg.AccountingSyncURL, cfg.AccountingSyncTimeout)
		logger.Info("accounting sync enabled", "url", cfg.AccountingSyncURL)
	}

	engine := &billing.Engine{
		Entries:  store,
		Rates:    store,
		Store:    store,
		Payees:   store,
		Sync:     syncer,
		Queue:    store,
		Settings: cfg.Billing,
		Logger:   logger,
	}

	handler := api.NewHandler(store, engine, logger)
	router := api.NewRouter(handler)

	scheduler := api.NewSyncRetryScheduler(store, syncer, logger)
	scheduler.CheckInterval = cfg.SyncRetryInterval
	scheduler.Enabled = cfg.SyncRetryEnabled && cfg.AccountingSyncURL != ""
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"db", *dbPath,
			"overtime_threshold", cfg.Billing.WeeklyOvertimeThreshold.String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}
