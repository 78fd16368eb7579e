// Package config loads tenantctx settings.
//
// Values are layered: built-in defaults, then a YAML file, then TENANTCTX_*
// environment variables, then validation.
package config

import (
	"time"

	"github.com/agentworkforce/tenantsync/internal/contextstore"
	"github.com/agentworkforce/tenantsync/internal/reconciler"
	"github.com/agentworkforce/tenantsync/internal/restore"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Restore   RestoreConfig   `yaml:"restore"`
	API       APIConfig       `yaml:"api"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sync      SyncConfig      `yaml:"sync"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type StoreConfig struct {
	Backend  string        `yaml:"backend"`   // DSN, default: file://.tenantctx/context.json
	CacheTTL time.Duration `yaml:"cache_ttl"` // default: 10s
	HardTTL  time.Duration `yaml:"hard_ttl"`  // default: 720h
}

type RestoreConfig struct {
	Strategy           string        `yaml:"strategy"`             // default: control
	Remember           bool          `yaml:"remember"`             // default: true
	ValidationCacheTTL time.Duration `yaml:"validation_cache_ttl"` // default: 10s
}

type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	TokenFile         string        `yaml:"token_file"`
	Timeout           time.Duration `yaml:"timeout"` // default: 15s
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"` // default: 3
}

type BroadcastConfig struct {
	// RelayURL is a ws:// or wss:// relay; empty disables cross-process
	// broadcast and leaves only backend watching.
	RelayURL string `yaml:"relay_url"`
	Channel  string `yaml:"channel"` // default: app_context_sync
}

type SyncConfig struct {
	Role              string        `yaml:"role"`
	Debounce          time.Duration `yaml:"debounce"`           // default: 500ms
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"` // default: 60s
	ForbiddenCooldown time.Duration `yaml:"forbidden_cooldown"`  // default: 5m
	WriteTimeout      time.Duration `yaml:"write_timeout"`       // default: 10s
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: /metrics
}

func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:  "file://.tenantctx/context.json",
			CacheTTL: contextstore.DefaultCacheTTL,
			HardTTL:  contextstore.DefaultHardTTL,
		},
		Restore: RestoreConfig{
			Strategy:           restore.StrategyControl,
			Remember:           true,
			ValidationCacheTTL: restore.DefaultValidationCacheTTL,
		},
		API: APIConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		Broadcast: BroadcastConfig{
			Channel: contextstore.DefaultChannel,
		},
		Sync: SyncConfig{
			Debounce:          reconciler.DefaultDebounce,
			RateLimitCooldown: reconciler.DefaultRateLimitCooldown,
			ForbiddenCooldown: reconciler.DefaultForbiddenCooldown,
			WriteTimeout:      reconciler.DefaultWriteTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Role returns the parsed sync role.
func (c *Config) Role() reconciler.Role {
	return reconciler.ParseRole(c.Sync.Role)
}

// Strategy resolves the configured restore strategy, falling back to control
// for unknown names.
func (c *Config) Strategy() restore.Strategy {
	return restore.ResolveStrategy(c.Restore.Strategy)
}
