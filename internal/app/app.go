// Package app wires configuration, storage, the remote client and the sync
// engine together for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xelth-com/healthsync/internal/config"
	"github.com/xelth-com/healthsync/internal/database"
	"github.com/xelth-com/healthsync/internal/handlers"
	"github.com/xelth-com/healthsync/internal/logger"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/server"
	"github.com/xelth-com/healthsync/internal/store"
	hsync "github.com/xelth-com/healthsync/internal/sync"
	"github.com/xelth-com/healthsync/internal/websocket"
)

// App holds the device-side components
type App struct {
	Config     *config.Config
	SyncConfig *config.SyncConfig
	Log        *slog.Logger

	DB     *database.DB
	Store  *store.GormStore
	Client *remote.HTTPClient
	Conn   *hsync.ConnectionManager
	Engine *hsync.SyncEngine
}

// LoadLogger reads the environment and installs the process logger
func LoadLogger(cfg *config.Config) (*slog.Logger, func() error) {
	return logger.Init(logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
	})
}

// New opens the local database and builds the engine. The engine is not
// started; call Start or drive it directly.
func New(cfg *config.Config, syncCfg *config.SyncConfig, log *slog.Logger) (*App, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL is required")
	}

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, SyncConfig: syncCfg, Log: log, DB: db}

	a.Store = store.NewGormStore(db.DB)
	if err := a.Store.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	sealer, err := remote.NewSealerFromHex(cfg.Remote.SealKeyHex)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("SYNC_NETWORK_KEY: %w", err)
	}

	a.Client, err = remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL:   cfg.Remote.BaseURL,
		JWTSecret: cfg.Remote.JWTSecret,
		Subject:   cfg.Remote.Subject,
		Sealer:    sealer,
		Timeout:   syncCfg.RequestTimeout,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Conn = hsync.NewConnectionManager(cfg.Remote.BaseURL, syncCfg.HealthCheckInterval, log)
	a.Engine, err = hsync.NewSyncEngine(hsync.Options{
		Config:       syncCfg,
		Store:        a.Store,
		Client:       a.Client,
		Connectivity: a.Conn,
		Logger:       log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.Info("Application initialized",
		"db_driver", cfg.Database.Driver,
		"remote", cfg.Remote.BaseURL,
		"sealed", sealer != nil)
	return a, nil
}

// Close stops the engine and closes the database
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("Failed to close database", "error", err)
		}
	}
}

// Serve starts the engine and the local API on addr and blocks until ctx is done
func (a *App) Serve(ctx context.Context, addr string) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}

	hub := websocket.NewHub(a.Log)
	go hub.Run()
	defer hub.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(a.Engine, hub, a.Log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listen(ctx, srv, a.Log, "local API")
}

// ServeRemote runs the reference remote service on addr with its own database
func ServeRemote(ctx context.Context, cfg *config.Config, syncCfg *config.SyncConfig, addr string, log *slog.Logger) error {
	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	sealer, err := remote.NewSealerFromHex(cfg.Remote.SealKeyHex)
	if err != nil {
		return fmt.Errorf("SYNC_NETWORK_KEY: %w", err)
	}

	var analyzer server.Analyzer = server.StatsAnalyzer{}
	if cfg.Analyzer.GeminiAPIKey != "" {
		g, err := server.NewGeminiAnalyzer(ctx, cfg.Analyzer.GeminiAPIKey, cfg.Analyzer.GeminiModel)
		if err != nil {
			return err
		}
		defer g.Close()
		analyzer = g
	}

	types := models.NewRegistry()
	for _, t := range syncCfg.EntityTypes {
		types.Register(models.EntityTypeSpec{Name: t.Name, AppendOnly: t.AppendOnly})
	}

	srv, err := server.New(db.DB, server.Options{
		JWTSecret: cfg.Remote.JWTSecret,
		Sealer:    sealer,
		Types:     types,
		Analyzer:  analyzer,
		Workers:   2,
		Delay:     cfg.Analyzer.Delay,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	log.Info("Remote service ready", "analyzer", analyzer.Name(), "auth", cfg.Remote.JWTSecret != "")
	return listen(ctx, &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, log, "remote service")
}

func listen(ctx context.Context, srv *http.Server, log *slog.Logger, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "server", name, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server", "server", name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
