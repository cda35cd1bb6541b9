package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kelicad/simagent/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9347" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9347", cfg.Addr())
	}
	if cfg.DBPath != "./data/simagent.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Jobs.MaxSimulationTime != 120*time.Second {
		t.Errorf("MaxSimulationTime = %v, want 2m", cfg.Jobs.MaxSimulationTime)
	}
	if !cfg.Jobs.EnforceTimeout || cfg.Jobs.StrictIncludes {
		t.Errorf("EnforceTimeout = %v, StrictIncludes = %v", cfg.Jobs.EnforceTimeout, cfg.Jobs.StrictIncludes)
	}
	if cfg.Jobs.CancelGrace != 100*time.Millisecond {
		t.Errorf("CancelGrace = %v", cfg.Jobs.CancelGrace)
	}
	if cfg.Engines.Preference != domain.EngineLTspice || cfg.Engines.LibrarySearchDepth != 4 {
		t.Errorf("Engines = %+v", cfg.Engines)
	}
	if cfg.WebSocket.MaxMessageSize != 8<<20 {
		t.Errorf("MaxMessageSize = %d", cfg.WebSocket.MaxMessageSize)
	}
	if cfg.History.Retention != 168*time.Hour {
		t.Errorf("Retention = %v", cfg.History.Retention)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9400")
	t.Setenv("MAX_SIMULATION_TIME", "30")
	t.Setenv("ENFORCE_TIMEOUT", "off")
	t.Setenv("STRICT_INCLUDES", "yes")
	t.Setenv("ENGINE_PREFERENCE", "NGSPICE")
	t.Setenv("HISTORY_RETENTION", "24h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("APP_ENV", "development")
	t.Setenv("NGSPICE_DOCKER_IMAGE", "ngspice:42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9400 || cfg.Jobs.MaxSimulationTime != 30*time.Second {
		t.Errorf("Port = %d, MaxSimulationTime = %v", cfg.Port, cfg.Jobs.MaxSimulationTime)
	}
	if cfg.Jobs.EnforceTimeout || !cfg.Jobs.StrictIncludes {
		t.Errorf("EnforceTimeout = %v, StrictIncludes = %v", cfg.Jobs.EnforceTimeout, cfg.Jobs.StrictIncludes)
	}
	if cfg.Engines.Preference != domain.EngineNgspice {
		t.Errorf("Preference = %q", cfg.Engines.Preference)
	}
	if cfg.History.Retention != 24*time.Hour {
		t.Errorf("Retention = %v", cfg.History.Retention)
	}
	if cfg.LogLevel != slog.LevelDebug || !cfg.IsDevelopment() {
		t.Errorf("LogLevel = %v, IsDevelopment = %v", cfg.LogLevel, cfg.IsDevelopment())
	}
	if cfg.Engines.NgspiceDockerImage != "ngspice:42" {
		t.Errorf("NgspiceDockerImage = %q", cfg.Engines.NgspiceDockerImage)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "70000", "PORT"},
		{"BIND_ADDR", "not-an-ip", "BIND_ADDR"},
		{"DB_PATH", "", "DB_PATH"},
		{"MAX_SIMULATION_TIME", "0", "MAX_SIMULATION_TIME"},
		{"LIBRARY_SEARCH_DEPTH", "-1", "LIBRARY_SEARCH_DEPTH"},
		{"ENGINE_PREFERENCE", "spectre", "ENGINE_PREFERENCE"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("SIMAGENT_TEST_INT", "abc")
	t.Setenv("SIMAGENT_TEST_BOOL", "maybe")
	t.Setenv("SIMAGENT_TEST_DUR", "soon")

	if got := getEnvInt("SIMAGENT_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %d, want fallback 7", got)
	}
	if got := getEnvBool("SIMAGENT_TEST_BOOL", true); !got {
		t.Error("getEnvBool() = false, want fallback true")
	}
	if got := getEnvDuration("SIMAGENT_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() = %v, want fallback 1m", got)
	}
}
