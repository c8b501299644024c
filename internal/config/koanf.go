package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envKey maps a flat environment variable name onto this package's nested koanf
// path (database.url, scheduler.slot_duration_minutes). Unknown variables
// are ignored by returning "".
var envKey = map[string]string{
	"DATABASE_URL":              "database.url",
	"JWT_SECRET":                "auth.jwt_secret",
	"OPENAI_API_KEY":            "generator.openai_api_key",
	"DASHSCOPE_API_KEY":         "generator.dashscope_api_key",
	"SLOT_DURATION_MINUTES":     "scheduler.slot_duration_minutes",
	"SCHEDULE_LOOKAHEAD_HOURS":  "scheduler.lookahead_hours",
	"GATE_RESOLVE_MINUTE":       "scheduler.gate_resolve_minute",
	"DEFAULT_PARALLEL_SCENES":   "scheduler.default_parallel_scenes",
	"TOKEN_EXPIRE_HOURS":        "tokens.expire_hours",
	"LOG_LEVEL":                 "logging.level",
	"LOG_FORMAT":                "logging.format",
	"API_HOST":                  "server.host",
	"API_PORT":                  "server.port",
	"DEBUG":                     "debug",
}

func envTransform(rawKey string) string {
	if path, ok := envKey[rawKey]; ok {
		return path
	}
	return ""
}

// Load builds the Config by layering struct defaults, an optional YAML
// file, and environment variables (highest priority wins), then validates
// the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.ProviderWithValue("", ".", func(rawKey, value string) (string, any) {
		key := envTransform(strings.ToUpper(rawKey))
		if key == "" {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
