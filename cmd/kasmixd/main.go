// Command kasmixd runs the mixing/CoinJoin service: an HTTP API plus the
// background monitors that advance mix and CoinJoin sessions and sweep
// interrupted ones at startup. Grounded on the teacher's cmd/server/main.go
// supervisor-loop shape (config load -> logging -> storage -> services ->
// router -> graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsnode/kasmix/internal/api"
	"github.com/opsnode/kasmix/internal/api/handlers"
	"github.com/opsnode/kasmix/internal/audit"
	"github.com/opsnode/kasmix/internal/coinjoin"
	"github.com/opsnode/kasmix/internal/coinjoin/lobby"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/logging"
	"github.com/opsnode/kasmix/internal/mix"
	"github.com/opsnode/kasmix/internal/recovery"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/store"
	"github.com/opsnode/kasmix/internal/utxoutil"
	"github.com/opsnode/kasmix/internal/wallet"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("kasmixd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting kasmixd",
		"version", version,
		"network", cfg.Network,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"logLevel", cfg.LogLevel,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	sessions, err := store.NewSessionStore(cfg.DataDir + "/sessions.json")
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	wallets := store.NewWalletStore(cfg.DataDir + "/wallet.json")
	settings := store.NewSettingsStore(cfg.DataDir + "/settings.json")

	auditStore, err := audit.New(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditStore.Close()
	sessions.SetAuditor(auditStore)

	slog.Info("storage initialized", "dataDir", cfg.DataDir, "auditDB", cfg.AuditDBPath)

	httpClient := &http.Client{Timeout: config.APITimeout}
	rpc := rpcclient.NewHTTPClient(httpClient, cfg.NodeRPCURL)
	utxo := utxoutil.NewHelper(rpc, config.DAAScoreTTL)

	mixEngine := mix.NewEngine(sessions, rpc, utxo, cfg)
	coinjoinEngine := coinjoin.NewEngine(sessions, rpc, utxo, cfg, cfg.CoinJoinPoolAddress, cfg.CoinJoinPoolPrivateKeyHex)
	coinjoinEngine.SetBatchRecorder(auditStore)

	walletSvc := wallet.NewService(wallets, rpc, utxo, cfg)

	hub := lobby.NewHub()
	coinjoinEngine.SetNotifier(hub)

	slog.Info("engines initialized", "nodeRPCURL", cfg.NodeRPCURL)

	recoveryEngine := recovery.NewEngine(sessions, mixEngine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := recoveryEngine.RunStartupSweep(ctx); err != nil {
		slog.Error("startup recovery sweep failed", "error", err)
	}

	go hub.Run()
	go hub.RunCleanup(ctx.Done(), time.Duration(cfg.LobbyCleanupEvery)*time.Minute)
	go mixEngine.Run(ctx)
	go coinjoinEngine.Run(ctx)

	slog.Info("monitors started",
		"mixMonitorSeconds", cfg.MixMonitorEvery,
		"coinjoinMonitorSeconds", cfg.CoinJoinMonitorEvery,
		"lobbyCleanupMinutes", cfg.LobbyCleanupEvery,
	)

	deps := handlers.NewDeps(cfg, sessions, wallets, settings, auditStore, mixEngine, coinjoinEngine, recoveryEngine, walletSvc, hub)
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
