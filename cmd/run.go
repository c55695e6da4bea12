package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
	"github.com/pulsefolio/pulse-tracker/internal/cache"
	"github.com/pulsefolio/pulse-tracker/internal/config"
	"github.com/pulsefolio/pulse-tracker/internal/health"
	"github.com/pulsefolio/pulse-tracker/internal/indexer"
	"github.com/pulsefolio/pulse-tracker/internal/logger"
	"github.com/pulsefolio/pulse-tracker/internal/prices"
	"github.com/pulsefolio/pulse-tracker/internal/server"
	"github.com/pulsefolio/pulse-tracker/internal/storage"
	"github.com/pulsefolio/pulse-tracker/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the balance tracker daemon",
	Long: `Track PulseChain wallet balances: seed from the indexer, stream
transfer events over WebSocket, reconcile periodically, and serve the
cache over an HTTP API.`,
	RunE: runTracker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTracker(cmd *cobra.Command, args []string) error {
	// Setup logger (log-level from global flag)
	logger.Setup(logLevel)

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		slog.Info("Signal received, graceful shutdown", "signal", sig)
		cancel()
	}()

	// Load config
	cfg, databaseURL, err := config.LoadWithDatabase(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}

	// Override log level if set in config
	if cfg.LogLevel != "" {
		logger.Setup(cfg.LogLevel)
	}

	slog.Info("Configuration loaded",
		"config_path", cfgFile,
		"rpc_endpoints", len(cfg.RPCUrls),
		"ws_endpoints", len(cfg.WSUrls),
		"wallets", len(cfg.Wallets),
		"reconcile_interval", cfg.ReconcileEvery(),
	)

	// Optional snapshot persistence
	var store *storage.Store
	if databaseURL != "" {
		if err := storage.RunMigrations(ctx, databaseURL); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			return err
		}
		store, err = storage.NewStore(ctx, databaseURL)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			return err
		}
		defer store.Close()
		slog.Info("Snapshot persistence enabled")
	} else {
		slog.Info("DATABASE_URL not set, snapshot persistence disabled")
	}

	// Connect to blockchain with failover support
	client, err := blockchain.NewClient(cfg.RPCUrls)
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	defer client.Close()

	if len(cfg.RPCUrls) == 1 {
		slog.Info("RPC connection established", "endpoint", cfg.RPCUrls[0])
	} else {
		slog.Info("RPC connection established with failover",
			"endpoints", len(cfg.RPCUrls),
			"primary", cfg.RPCUrls[0])
	}

	// Transfer event watcher
	w, err := watcher.New(client, watcher.Config{
		WSUrls:        cfg.WSUrls,
		MaxReconnects: cfg.MaxReconnects,
	})
	if err != nil {
		slog.Error("Failed to create watcher", "error", err)
		return err
	}
	w.OnTerminal(func(err error) {
		slog.Error("Watcher gave up reconnecting, cache freshness now bounded by reconciliation",
			"error", err)
	})

	// Balance cache manager
	opts := cache.Options{
		Watcher:           w,
		Indexer:           indexer.NewClient(cfg.IndexerURL),
		Chain:             client,
		ReconcileInterval: cfg.ReconcileEvery(),
	}
	if cfg.PriceAPIURL != "" {
		opts.Prices = prices.NewClient(cfg.PriceAPIURL)
	}
	if store != nil {
		opts.Snapshots = store
	}
	manager := cache.NewManager(opts)
	defer manager.Close()

	w.OnBalanceUpdate(manager.HandleBalanceUpdate)

	if err := w.Start(ctx); err != nil {
		slog.Error("Failed to start watcher", "error", err)
		return err
	}

	// Pre-track wallets from config
	for _, wallet := range cfg.Wallets {
		if _, err := manager.BalancesWithLiveUpdates(ctx, wallet); err != nil {
			slog.Warn("Failed to pre-track wallet, it can still be tracked via the API",
				"wallet", wallet, "error", err)
		}
	}

	// Health checker
	var pinger health.Pinger
	if store != nil {
		pinger = store
	}
	checker := health.NewChecker(manager, client, pinger, cfg.ReconcileEvery())

	// HTTP API
	var historySource server.HistorySource
	if store != nil {
		historySource = store
	}
	srv := server.New(manager, historySource, checker.Handler())
	defer srv.Close()

	httpPort := cfg.HTTPPort
	if httpPort == 0 {
		httpPort = 8080
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", httpPort),
		Handler: srv.Router(),
	}

	go func() {
		slog.Info("HTTP API server starting", "port", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// Ensure HTTP server shutdown on exit
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Balance tracker started")

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("Shutdown requested, stopping daemon")
	return nil
}
