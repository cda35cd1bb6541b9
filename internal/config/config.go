// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelicad/simagent/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	BindAddr string
	Port     int
	DBPath   string
	AppEnv   string
	LogLevel slog.Level

	Engines   EngineConfig
	Jobs      JobConfig
	WebSocket WebSocketConfig
	History   HistoryConfig
}

// EngineConfig locates the simulators and their libraries.
type EngineConfig struct {
	LTspicePath        string
	NgspicePath        string
	LTspiceLibDir      string
	NgspiceLibDir      string
	ResourcesDir       string
	NgspiceDockerImage string
	Preference         domain.EngineKind
	LibrarySearchDepth int
}

// JobConfig controls how simulation jobs run.
type JobConfig struct {
	WorkDir           string
	KeepWorkDirs      bool
	MaxSimulationTime time.Duration
	EnforceTimeout    bool
	StrictIncludes    bool
	CancelGrace       time.Duration
}

// WebSocketConfig controls the control channel.
type WebSocketConfig struct {
	MaxMessageSize int64
}

// HistoryConfig controls the job history store.
type HistoryConfig struct {
	Retention      time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	preference, err := domain.ParseEngineKind(getEnv("ENGINE_PREFERENCE", string(domain.EngineLTspice)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: ENGINE_PREFERENCE: %w", err)
	}

	cfg := &Config{
		BindAddr: getEnv("BIND_ADDR", "127.0.0.1"),
		Port:     getEnvInt("PORT", 9347),
		DBPath:   getEnv("DB_PATH", "./data/simagent.db"),
		AppEnv:   getEnv("APP_ENV", ""),
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
		Engines: EngineConfig{
			LTspicePath:        getEnv("LTSPICE_PATH", ""),
			NgspicePath:        getEnv("NGSPICE_PATH", ""),
			LTspiceLibDir:      getEnv("LTSPICE_LIB_DIR", ""),
			NgspiceLibDir:      getEnv("NGSPICE_LIB_DIR", ""),
			ResourcesDir:       getEnv("RESOURCES_DIR", "resources"),
			NgspiceDockerImage: getEnv("NGSPICE_DOCKER_IMAGE", ""),
			Preference:         preference,
			LibrarySearchDepth: getEnvInt("LIBRARY_SEARCH_DEPTH", 4),
		},
		Jobs: JobConfig{
			WorkDir:           getEnv("WORK_DIR", ""),
			KeepWorkDirs:      getEnvBool("KEEP_WORK_DIRS", false),
			MaxSimulationTime: time.Duration(getEnvInt("MAX_SIMULATION_TIME", 120)) * time.Second,
			EnforceTimeout:    getEnvBool("ENFORCE_TIMEOUT", true),
			StrictIncludes:    getEnvBool("STRICT_INCLUDES", false),
			CancelGrace:       time.Duration(getEnvInt("CANCEL_GRACE_MS", 100)) * time.Millisecond,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 8<<20)),
		},
		History: HistoryConfig{
			Retention:      getEnvDuration("HISTORY_RETENTION", 7*24*time.Hour),
			MaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			RetryBaseDelay: time.Duration(getEnvInt("DB_RETRY_BASE_DELAY_MS", 50)) * time.Millisecond,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if net.ParseIP(c.BindAddr) == nil && c.BindAddr != "localhost" {
		return fmt.Errorf("BIND_ADDR must be an IP address")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Jobs.MaxSimulationTime <= 0 {
		return fmt.Errorf("MAX_SIMULATION_TIME must be > 0")
	}
	if c.Jobs.CancelGrace < 0 {
		return fmt.Errorf("CANCEL_GRACE_MS must be >= 0")
	}
	if c.Engines.LibrarySearchDepth <= 0 {
		return fmt.Errorf("LIBRARY_SEARCH_DEPTH must be > 0")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be > 0")
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("HISTORY_RETENTION must be >= 0")
	}
	if c.History.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
