package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no explicit
// config path is given.
const DefaultFileName = "tenantctx.yaml"

// Load builds the configuration. The file is taken from configPath, then
// TENANTCTX_CONFIG, then ./tenantctx.yaml; a missing default file is not an
// error.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if cfg.API.TokenFile != "" && cfg.API.Token == "" {
		token, err := readSecretFile(cfg.API.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("api.token_file: %w", err)
		}
		cfg.API.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := strings.TrimSpace(os.Getenv("TENANTCTX_CONFIG")); envPath != "" {
		return envPath
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	return ""
}

// loadYAMLFile overlays the file onto cfg; keys absent from the file keep
// their current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"TENANTCTX_BACKEND":    &cfg.Store.Backend,
		"TENANTCTX_STRATEGY":   &cfg.Restore.Strategy,
		"TENANTCTX_API_URL":    &cfg.API.BaseURL,
		"TENANTCTX_TOKEN":      &cfg.API.Token,
		"TENANTCTX_TOKEN_FILE": &cfg.API.TokenFile,
		"TENANTCTX_RELAY_URL":  &cfg.Broadcast.RelayURL,
		"TENANTCTX_CHANNEL":    &cfg.Broadcast.Channel,
		"TENANTCTX_ROLE":       &cfg.Sync.Role,
	}
	for name, target := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*target = v
		}
	}

	durations := map[string]*time.Duration{
		"TENANTCTX_CACHE_TTL":            &cfg.Store.CacheTTL,
		"TENANTCTX_HARD_TTL":             &cfg.Store.HardTTL,
		"TENANTCTX_VALIDATION_CACHE_TTL": &cfg.Restore.ValidationCacheTTL,
		"TENANTCTX_API_TIMEOUT":          &cfg.API.Timeout,
		"TENANTCTX_DEBOUNCE":             &cfg.Sync.Debounce,
		"TENANTCTX_RATE_LIMIT_COOLDOWN":  &cfg.Sync.RateLimitCooldown,
		"TENANTCTX_FORBIDDEN_COOLDOWN":   &cfg.Sync.ForbiddenCooldown,
		"TENANTCTX_WRITE_TIMEOUT":        &cfg.Sync.WriteTimeout,
	}
	for name, target := range durations {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*target = parsed
	}

	if v := strings.TrimSpace(os.Getenv("TENANTCTX_REMEMBER")); v != "" {
		remember, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TENANTCTX_REMEMBER: %w", err)
		}
		cfg.Restore.Remember = remember
	}
	if v := strings.TrimSpace(os.Getenv("TENANTCTX_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TENANTCTX_RPS: %w", err)
		}
		cfg.API.RequestsPerSecond = rps
	}
	if v := strings.TrimSpace(os.Getenv("TENANTCTX_METRICS")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TENANTCTX_METRICS: %w", err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
