// Package config loads TheatreOS configuration from environment variables
// and an optional YAML file via layered koanf.v2 sources: struct defaults,
// then config file, then environment variables (highest priority).
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds every runtime setting, keyed by the flat environment
// variable contract plus the storage DSN and server bind address.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Auth       AuthConfig       `koanf:"auth"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Tokens     TokensConfig     `koanf:"tokens"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Debug      bool             `koanf:"debug"`
}

// DatabaseConfig configures the storage adapter.
type DatabaseConfig struct {
	// URL is the DuckDB connection string (a file path, or ":memory:").
	// Required. Env: DATABASE_URL.
	URL string `koanf:"url"`
}

// AuthConfig holds the signing secret for the external auth module.
// TheatreOS's own code never verifies tokens; it only needs the user_id
// the transport boundary already extracted. JWTSecret is carried here only
// so it can be handed to that external module at wiring time.
type AuthConfig struct {
	// JWTSecret is required and should be rotated via a secret manager,
	// not redeployed as a literal. Env: JWT_SECRET.
	JWTSecret string `koanf:"jwt_secret"`
}

// GeneratorConfig holds optional external AI content-generator credentials.
// The generator itself is out of scope; when both are absent the
// generator falls back to using only the Scheduler's structured HourPlan.
type GeneratorConfig struct {
	OpenAIAPIKey    string `koanf:"openai_api_key"`
	DashscopeAPIKey string `koanf:"dashscope_api_key"`
}

// SchedulerConfig holds the Scheduler's tuning knobs.
type SchedulerConfig struct {
	// SlotDurationMinutes is the length of one planning slot. Default 60.
	SlotDurationMinutes int `koanf:"slot_duration_minutes"`
	// LookaheadHours is how many hours ahead the Scheduler plans. Default 3.
	LookaheadHours int `koanf:"lookahead_hours"`
	// GateResolveMinute is how many minutes into the slot the gate closes;
	// the close_at margin before resolve_at is SlotDurationMinutes minus
	// this value. Default 55.
	GateResolveMinute int `koanf:"gate_resolve_minute"`
	// DefaultParallelScenes is the per-slot beat budget. Default 3.
	DefaultParallelScenes int `koanf:"default_parallel_scenes"`
}

// TokensConfig holds the external auth module's token lifetime, carried
// here purely for that module's consumption.
type TokensConfig struct {
	ExpireHours int `koanf:"expire_hours"`
}

// ServerConfig holds the HTTP bind address.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds logger tuning.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SlotDuration returns the configured slot duration as a time.Duration.
func (c SchedulerConfig) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMinutes) * time.Minute
}

// GateResolveMargin returns the close_at margin before slot end.
func (c SchedulerConfig) GateResolveMargin() time.Duration {
	return time.Duration(c.SlotDurationMinutes-c.GateResolveMinute) * time.Minute
}

// defaultConfig returns every optional field's documented default.
func defaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			SlotDurationMinutes:   60,
			LookaheadHours:        3,
			GateResolveMinute:     55,
			DefaultParallelScenes: 3,
		},
		Tokens: TokensConfig{ExpireHours: 24},
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Scheduler.SlotDurationMinutes <= 0 {
		return fmt.Errorf("SLOT_DURATION_MINUTES must be positive")
	}
	if c.Scheduler.GateResolveMinute <= 0 || c.Scheduler.GateResolveMinute >= c.Scheduler.SlotDurationMinutes {
		return fmt.Errorf("GATE_RESOLVE_MINUTE must be in (0, SLOT_DURATION_MINUTES)")
	}
	if c.Scheduler.LookaheadHours <= 0 {
		return fmt.Errorf("SCHEDULE_LOOKAHEAD_HOURS must be positive")
	}
	if c.Scheduler.DefaultParallelScenes <= 0 {
		return fmt.Errorf("DEFAULT_PARALLEL_SCENES must be positive")
	}
	return nil
}

// ConfigPathEnvVar names the environment variable that can point at an
// explicit config file, overriding DefaultConfigPaths search order.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths lists config file locations searched in priority order.
var DefaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/theatreos/config.yaml"}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
