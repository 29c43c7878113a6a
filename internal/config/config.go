// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (.env file first, then
// process environment) and from nothing else — unlike the original Arduino
// deployment, this backend runs as a regular service and has no settings
// database indirection for its own bootstrap values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir            string        // base directory for the sqlite databases, always absolute
	Port               int           // HTTP server port
	DevMode            bool          // development mode flag (verbose logging, relaxed CORS)
	LogLevel           string        // zerolog level name (debug, info, warn, error)
	SignalTimezone     string        // IANA tz name used to derive Signal.signal_day
	ExpiryScanInterval time.Duration // how often the expiry scheduler runs find_expiring_soon
	ExpiryWindow       time.Duration // window passed to find_expiring_soon
	ReconcileInterval  time.Duration // how often the FAILED-intent reconciler runs
	S3Bucket           string        // optional: audit export bucket (empty disables export)
	S3Endpoint         string        // optional: S3-compatible endpoint override (e.g. R2)
	S3Region           string
	S3AccessKey        string        // optional: static credential, empty uses the default AWS resolver chain
	S3SecretKey        string
	BackupInterval     time.Duration // how often the audit backup job snapshots and exports the databases
}

// Load reads configuration from environment variables.
//
// dataDirOverride, if non-empty, takes priority over SENTINEL_DATA_DIR and
// the built-in default.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SENTINEL_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		Port:               getEnvAsInt("SENTINEL_PORT", 8001),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		SignalTimezone:     getEnv("SIGNAL_TIMEZONE", "UTC"),
		ExpiryScanInterval: getEnvAsDuration("EXPIRY_SCAN_INTERVAL", time.Minute),
		ExpiryWindow:       getEnvAsDuration("EXPIRY_WINDOW", 5*time.Minute),
		ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second),
		S3Bucket:           getEnv("AUDIT_EXPORT_S3_BUCKET", ""),
		S3Endpoint:         getEnv("AUDIT_EXPORT_S3_ENDPOINT", ""),
		S3Region:           getEnv("AUDIT_EXPORT_S3_REGION", "auto"),
		S3AccessKey:        getEnv("AUDIT_EXPORT_S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("AUDIT_EXPORT_S3_SECRET_KEY", ""),
		BackupInterval:     getEnvAsDuration("BACKUP_INTERVAL", 24*time.Hour),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
