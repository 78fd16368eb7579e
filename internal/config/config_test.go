package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/tenantsync/internal/reconciler"
	"github.com/agentworkforce/tenantsync/internal/restore"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Store.CacheTTL != 10*time.Second {
		t.Errorf("default store.cache_ttl = %v, want 10s", cfg.Store.CacheTTL)
	}
	if cfg.Store.HardTTL != 30*24*time.Hour {
		t.Errorf("default store.hard_ttl = %v, want 720h", cfg.Store.HardTTL)
	}
	if cfg.Restore.Strategy != restore.StrategyControl || !cfg.Restore.Remember {
		t.Errorf("unexpected restore defaults %+v", cfg.Restore)
	}
	if cfg.Sync.Debounce != 500*time.Millisecond || cfg.Sync.ForbiddenCooldown != 5*time.Minute {
		t.Errorf("unexpected sync defaults %+v", cfg.Sync)
	}
	if cfg.Broadcast.Channel != "app_context_sync" {
		t.Errorf("default broadcast.channel = %q", cfg.Broadcast.Channel)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeTemp(t, "tenantctx.yaml", `
store:
  backend: badger:///var/lib/tenantctx
  cache_ttl: 2s
restore:
  strategy: remote_first
  remember: false
api:
  base_url: https://api.example.com
  requests_per_second: 5
  burst: 2
broadcast:
  relay_url: ws://127.0.0.1:7070/sync
  channel: tenants
sync:
  role: super_admin_org
  debounce: 250ms
  rate_limit_cooldown: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Store.Backend != "badger:///var/lib/tenantctx" || cfg.Store.CacheTTL != 2*time.Second {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Store.HardTTL != 30*24*time.Hour {
		t.Errorf("absent keys should keep defaults, got hard_ttl %v", cfg.Store.HardTTL)
	}
	if cfg.Strategy().Name != restore.StrategyRemoteFirst || cfg.Restore.Remember {
		t.Errorf("unexpected restore config %+v", cfg.Restore)
	}
	if cfg.API.RequestsPerSecond != 5 || cfg.API.Burst != 2 {
		t.Errorf("unexpected api config %+v", cfg.API)
	}
	if cfg.Broadcast.Channel != "tenants" {
		t.Errorf("broadcast.channel = %q", cfg.Broadcast.Channel)
	}
	if cfg.Role() != reconciler.RoleSuperAdminOrg {
		t.Errorf("role = %s, want SUPER_ADMIN_ORG", cfg.Role())
	}
	if cfg.Sync.Debounce != 250*time.Millisecond || cfg.Sync.RateLimitCooldown != 2*time.Minute {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TENANTCTX_CONFIG", "")
	t.Setenv("TENANTCTX_BACKEND", "memory://")
	t.Setenv("TENANTCTX_STRATEGY", "extended_ttl")
	t.Setenv("TENANTCTX_REMEMBER", "false")
	t.Setenv("TENANTCTX_DEBOUNCE", "1s")
	t.Setenv("TENANTCTX_RPS", "2.5")
	t.Setenv("TENANTCTX_ROLE", "client")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Store.Backend != "memory://" {
		t.Errorf("store.backend = %q", cfg.Store.Backend)
	}
	if cfg.Strategy().Name != restore.StrategyExtendedTTL {
		t.Errorf("strategy = %q", cfg.Strategy().Name)
	}
	if cfg.Restore.Remember {
		t.Errorf("expected remember to be disabled")
	}
	if cfg.Sync.Debounce != time.Second || cfg.API.RequestsPerSecond != 2.5 {
		t.Errorf("unexpected overrides %+v %+v", cfg.Sync, cfg.API)
	}
	if cfg.Role() != reconciler.RoleClient {
		t.Errorf("role = %s", cfg.Role())
	}
}

func TestEnvOverrideRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TENANTCTX_CONFIG", "")
	t.Setenv("TENANTCTX_DEBOUNCE", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "TENANTCTX_DEBOUNCE") {
		t.Fatalf("expected debounce parse error, got %v", err)
	}
}

func TestFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TENANTCTX_CONFIG", "")
	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("restore:\n  strategy: remote_first\n"), 0o600); err != nil {
		t.Fatalf("write default config: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(default file) error: %v", err)
	}
	if cfg.Restore.Strategy != restore.StrategyRemoteFirst {
		t.Errorf("default file: strategy = %q", cfg.Restore.Strategy)
	}

	envFile := writeTemp(t, "env.yaml", "restore:\n  strategy: extended_ttl\n")
	t.Setenv("TENANTCTX_CONFIG", envFile)
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(TENANTCTX_CONFIG) error: %v", err)
	}
	if cfg.Restore.Strategy != restore.StrategyExtendedTTL {
		t.Errorf("TENANTCTX_CONFIG: strategy = %q", cfg.Restore.Strategy)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected explicit missing file to fail")
	}
}

func TestUnknownStrategyFallsBackToControl(t *testing.T) {
	cfg := Defaults()
	cfg.Restore.Strategy = "bandit"
	if cfg.Strategy().Name != restore.StrategyControl {
		t.Fatalf("expected control fallback, got %q", cfg.Strategy().Name)
	}
}

func TestTokenFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TENANTCTX_CONFIG", "")
	t.Setenv("TENANTCTX_TOKEN", "")
	t.Setenv("TENANTCTX_TOKEN_FILE", writeTemp(t, "token", "  secret-token\n"))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.API.Token != "secret-token" {
		t.Fatalf("api.token = %q, want trimmed file content", cfg.API.Token)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"empty backend", func(c *Config) { c.Store.Backend = " " }, "store.backend is required"},
		{"zero debounce", func(c *Config) { c.Sync.Debounce = 0 }, "sync.debounce must be > 0"},
		{"negative cache ttl", func(c *Config) { c.Store.CacheTTL = -time.Second }, "store.cache_ttl must be > 0"},
		{"bad api scheme", func(c *Config) { c.API.BaseURL = "ftp://example.com" }, "api.base_url"},
		{"api without host", func(c *Config) { c.API.BaseURL = "http://" }, "has no host"},
		{"bad relay scheme", func(c *Config) { c.Broadcast.RelayURL = "tcp://relay:1" }, "broadcast.relay_url"},
		{"empty channel", func(c *Config) { c.Broadcast.Channel = "" }, "broadcast.channel is required"},
		{"negative rps", func(c *Config) { c.API.RequestsPerSecond = -1 }, "api.requests_per_second"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}
	for _, tc := range tests {
		cfg := Defaults()
		tc.modify(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}

	cfg := Defaults()
	cfg.Store.Backend = ""
	cfg.Sync.Debounce = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "store.backend") || !strings.Contains(err.Error(), "sync.debounce") {
		t.Fatalf("expected all errors to be reported, got %v", err)
	}
}
