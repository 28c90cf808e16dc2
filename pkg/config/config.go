// Package config loads process settings from the environment and the
// autonomy policy profile from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// JWTSecret signs API bearer tokens. The API refuses to start without it.
	JWTSecret string

	// PolicyProfile is the path of the YAML policy profile; empty means
	// built-in defaults.
	PolicyProfile string

	// ArchiveURL selects the export target: a directory path, file://,
	// s3://bucket/prefix or gs://bucket/prefix. Empty disables exports.
	ArchiveURL string

	RateLimit float64
	RateBurst int

	OTelEnabled  bool
	OTelEndpoint string
	ServiceName  string
	Environment  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:   getenv("DATABASE_URL", "sqlite://exoskull.db"),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		PolicyProfile: os.Getenv("POLICY_PROFILE"),
		ArchiveURL:    os.Getenv("ARCHIVE_URL"),
		RateLimit:     getfloat("API_RATE_LIMIT", 5),
		RateBurst:     getint("API_RATE_BURST", 10),
		OTelEnabled:   os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:   getenv("OTEL_SERVICE_NAME", "exoskull-autonomy"),
		Environment:   getenv("ENVIRONMENT", "development"),
	}
}

// LoadEnvFiles pre-loads the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return def
}

// Duration reads a Go duration from key, falling back to def.
func Duration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}
