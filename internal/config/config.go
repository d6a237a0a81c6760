// Package config provides configuration loading for termstream.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds settings for both the host and the viewer.
type Config struct {
	// Host server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings. Auth is disabled when JWKSEndpoint is empty.
	JWKSEndpoint string
	HostID       string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	KeepAliveInterval time.Duration

	// Terminal settings
	DefaultShell    string
	DefaultRows     int
	DefaultCols     int
	HistoryCapacity int

	// Viewer settings
	HostURL       string
	Token         string
	OffsetDBPath  string
	AttachTimeout time.Duration
	AttachRetries int
	CommitTimeout time.Duration
}

// Load reads configuration from environment variables. Every setting has a
// usable default so a bare `termstream serve` works on a developer machine.
func Load() *Config {
	return &Config{
		Port:           getEnvInt("TERMSTREAM_PORT", 8080),
		Host:           getEnv("TERMSTREAM_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("TERMSTREAM_ALLOWED_ORIGINS", nil),

		JWKSEndpoint: getEnv("TERMSTREAM_JWKS_ENDPOINT", ""),
		HostID:       getEnv("TERMSTREAM_HOST_ID", "default"),

		HTTPReadTimeout:  getEnvDuration("TERMSTREAM_HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("TERMSTREAM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("TERMSTREAM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("TERMSTREAM_WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("TERMSTREAM_WS_WRITE_BUFFER_SIZE", 1024),
		KeepAliveInterval: getEnvDuration("TERMSTREAM_KEEPALIVE_INTERVAL", 30*time.Second),

		DefaultShell:    getEnv("TERMSTREAM_SHELL", "/bin/bash"),
		DefaultRows:     getEnvInt("TERMSTREAM_ROWS", 24),
		DefaultCols:     getEnvInt("TERMSTREAM_COLS", 80),
		HistoryCapacity: getEnvInt("TERMSTREAM_HISTORY_CAPACITY", 262144),

		HostURL:       getEnv("TERMSTREAM_HOST_URL", "ws://127.0.0.1:8080/stream"),
		Token:         getEnv("TERMSTREAM_TOKEN", ""),
		OffsetDBPath:  getEnv("TERMSTREAM_OFFSET_DB", defaultOffsetDBPath()),
		AttachTimeout: getEnvDuration("TERMSTREAM_ATTACH_TIMEOUT", 12*time.Second),
		AttachRetries: getEnvInt("TERMSTREAM_ATTACH_RETRIES", 4),
		CommitTimeout: getEnvDuration("TERMSTREAM_COMMIT_TIMEOUT", 5*time.Second),
	}
}

// defaultOffsetDBPath places the resume offset database under the user
// cache directory. Empty string means in-memory offsets only.
func defaultOffsetDBPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/termstream/offsets.db"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment
// variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
