// Package config loads daemon configuration from environment variables, with
// optional YAML tuning profiles for queue, sweep, and poll cadence.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	// DatabaseDriver selects "postgres" or "sqlite".
	DatabaseDriver string

	// StorageType selects the mailbox object store: "mem", "s3", or "gcs".
	StorageType string

	// KeyID labels the node's generated identity.
	KeyID string

	// ChainEndpoint is the submission client target. Empty runs without a
	// chain client; chaincode events stay pending.
	ChainEndpoint string

	// ProfilesDir holds optional tuning profile YAML files.
	ProfilesDir string
	// Profile names the tuning profile to apply, if any.
	Profile string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if driver == "sqlite" {
			dbURL = "file:dimebox.db?_pragma=busy_timeout(5000)"
		} else {
			dbURL = "postgres://dimebox@localhost:5432/dimebox?sslmode=disable"
		}
	}

	storageType := os.Getenv("MAILBOX_STORAGE_TYPE")
	if storageType == "" {
		storageType = "mem"
	}

	keyID := os.Getenv("NODE_KEY_ID")
	if keyID == "" {
		keyID = "dimebox-node"
	}

	return &Config{
		LogLevel:       logLevel,
		DatabaseURL:    dbURL,
		DatabaseDriver: driver,
		StorageType:    storageType,
		KeyID:          keyID,
		ChainEndpoint:  os.Getenv("CHAIN_ENDPOINT"),
		ProfilesDir:    os.Getenv("PROFILES_DIR"),
		Profile:        os.Getenv("TUNING_PROFILE"),
	}
}

// envInt reads an integer environment variable with a fallback.
func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration reads a duration environment variable with a fallback.
func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
