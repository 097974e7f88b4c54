package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerHost string
	ServerPort int

	// WebSocket path of the sync channel
	SyncPath string

	// Per-peer outbound queue
	SendBuffer      int
	SendTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	AwarenessTimeout time.Duration

	LogLevel slog.Level

	// Observability
	TracingEnabled bool
	JaegerEndpoint string

	// Session ledger; postgres DSN or sqlite:<path>, empty disables it
	DatabaseURL string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		SyncPath: getEnv("SYNC_PATH", "/tauri-pitch"),

		SendBuffer:      getEnvInt("SEND_BUFFER", 32),
		SendTimeout:     getEnvDuration("SEND_TIMEOUT", 5*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 4<<20)),

		AwarenessTimeout: getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
	}

	if !strings.HasPrefix(cfg.SyncPath, "/") {
		cfg.SyncPath = "/" + cfg.SyncPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.ServerPort))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes))
	}
	if c.AwarenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AWARENESS_TIMEOUT must be positive, got %s", c.AwarenessTimeout))
	}
	return errors.Join(errs...)
}

// Addr returns host:port for the listener
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
