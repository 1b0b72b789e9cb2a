package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xelth-com/healthsync/internal/app"
	"github.com/xelth-com/healthsync/internal/config"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	syncCfg := config.LoadSyncConfig()

	// 2. Logger
	logger, closeLog := app.LoadLogger(cfg)
	defer closeLog()

	// 3. Database, remote client and sync engine
	a, err := app.New(cfg, syncCfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// 4. Serve until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Serve(ctx, ":"+cfg.Port); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exited properly")
}
