package database

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/healthsync/internal/config"
)

const (
	embeddedDataPath = "./db_data"
	embeddedPort     = 5433
)

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens the configured backend: an on-device SQLite file,
// an external PostgreSQL server, or an embedded PostgreSQL process
func Connect(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.Silent)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.Silent)
	case "embedded":
		return connectEmbedded(cfg, gormCfg, log)
	default:
		log.Info("Connecting to external PostgreSQL", "host", cfg.Host, "port", cfg.Port)
		db, err := gorm.Open(postgres.Open(dsn(cfg, cfg.Password)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		tunePool(db, 100, time.Hour)
		return &DB{DB: db}, nil
	}
}

// OpenSQLite opens an SQLite database. ":memory:" gives a private in-memory
// database, which is what tests use.
func OpenSQLite(path string, silent bool) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:"
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(gormlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(silent)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single never-recycled connection keeps SQLite writes serialized
	// and keeps an in-memory database alive for the whole pool.
	tunePool(db, 1, 0)
	return &DB{DB: db}, nil
}

func connectEmbedded(cfg config.DatabaseConfig, gormCfg *gorm.Config, log *slog.Logger) (*DB, error) {
	log.Info("Starting embedded PostgreSQL", "data_path", embeddedDataPath, "port", embeddedPort)

	cleanupStaleEmbeddedPostgres(log)

	if isPortInUse(embeddedPort) {
		for i := 0; i < 6 && isPortInUse(embeddedPort); i++ {
			time.Sleep(500 * time.Millisecond)
		}
		if isPortInUse(embeddedPort) {
			return nil, fmt.Errorf("port %d is still in use by another process", embeddedPort)
		}
	}

	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(embeddedDataPath).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password("postgres"))

	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}

	cfg.Port = strconv.Itoa(embeddedPort)
	db, err := gorm.Open(postgres.Open(dsn(cfg, "postgres")), gormCfg)
	if err != nil {
		_ = embedded.Stop()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	tunePool(db, 20, time.Hour)

	return &DB{DB: db, embedded: embedded}, nil
}

// cleanupStaleEmbeddedPostgres cleans up leftover processes from a previous crash
func cleanupStaleEmbeddedPostgres(log *slog.Logger) {
	pidFile := filepath.Join(embeddedDataPath, "postmaster.pid")

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		log.Warn("Could not parse PID from postmaster.pid", "error", err)
		return
	}

	// On Unix FindProcess always succeeds, signal 0 probes liveness
	process, err := os.FindProcess(pid)
	if err != nil || process.Signal(syscall.Signal(0)) != nil {
		log.Info("Removing stale postmaster.pid", "pid", pid)
		os.Remove(pidFile)
		return
	}

	log.Warn("Stopping orphaned PostgreSQL process", "pid", pid)
	_ = process.Signal(syscall.SIGTERM)

	for i := 0; i < 10; i++ {
		time.Sleep(500 * time.Millisecond)
		if err := process.Signal(syscall.Signal(0)); err != nil {
			os.Remove(pidFile)
			return
		}
	}

	process.Kill()
	time.Sleep(500 * time.Millisecond)
	os.Remove(pidFile)
}

// isPortInUse checks if a port is already in use
func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func dsn(cfg config.DatabaseConfig, password string) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database,
	)
}

func logLevel(silent bool) logger.LogLevel {
	if silent {
		return logger.Silent
	}
	return logger.Warn
}

func tunePool(db *gorm.DB, maxOpen int, lifetime time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(min(maxOpen, 10))
	sqlDB.SetConnMaxLifetime(lifetime)
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}
