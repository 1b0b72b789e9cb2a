package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv    string
	Port       string
	InstanceID string
	Database   DatabaseConfig
	Remote     RemoteConfig
	Log        LogConfig
	Analyzer   AnalyzerConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string // sqlite, postgres, embedded
	SQLitePath string
	Host       string
	Port       string
	Username   string
	Password   string
	Database   string
	Silent     bool
}

// RemoteConfig describes how the engine reaches the remote health service
type RemoteConfig struct {
	BaseURL    string
	JWTSecret  string
	Subject    string
	SealKeyHex string // 64 hex chars enables payload sealing
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// AnalyzerConfig configures the analysis backend of the reference remote service
type AnalyzerConfig struct {
	GeminiAPIKey string
	GeminiModel  string
	Delay        time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		NodeEnv:    getEnv("NODE_ENV", "development"),
		Port:       getEnv("PORT", "3210"),
		InstanceID: os.Getenv("INSTANCE_ID"),
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "sqlite"),
			SQLitePath: getEnv("SQLITE_PATH", "healthsync.db"),
			Host:       getEnv("PG_HOST", "localhost"),
			Port:       getEnv("PG_PORT", "5432"),
			Username:   getEnv("PG_USERNAME", "postgres"),
			Password:   os.Getenv("PG_PASSWORD"),
			Database:   getEnv("PG_DATABASE", "healthsync"),
			Silent:     getBoolEnv("DB_SILENT", true),
		},
		Remote: RemoteConfig{
			BaseURL:    strings.TrimRight(os.Getenv("REMOTE_BASE_URL"), "/"),
			JWTSecret:  os.Getenv("REMOTE_JWT_SECRET"),
			Subject:    getEnv("REMOTE_SUBJECT", "healthsync-device"),
			SealKeyHex: os.Getenv("SYNC_NETWORK_KEY"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			File:   os.Getenv("LOG_FILE"),
		},
		Analyzer: AnalyzerConfig{
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			Delay:        getDurationEnv("ANALYZER_DELAY", 3*time.Second),
		},
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "embedded":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	return cfg, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("750ms") or plain seconds ("30")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
