package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate reports every invalid field, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Store.Backend) == "" {
		errs = append(errs, fmt.Errorf("store.backend is required"))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"store.cache_ttl", c.Store.CacheTTL},
		{"store.hard_ttl", c.Store.HardTTL},
		{"restore.validation_cache_ttl", c.Restore.ValidationCacheTTL},
		{"api.timeout", c.API.Timeout},
		{"sync.debounce", c.Sync.Debounce},
		{"sync.rate_limit_cooldown", c.Sync.RateLimitCooldown},
		{"sync.forbidden_cooldown", c.Sync.ForbiddenCooldown},
		{"sync.write_timeout", c.Sync.WriteTimeout},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", field.name, field.value))
		}
	}

	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("api.requests_per_second must be >= 0, got %v", c.API.RequestsPerSecond))
	}
	if c.API.Burst < 0 {
		errs = append(errs, fmt.Errorf("api.burst must be >= 0, got %d", c.API.Burst))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("api.max_retries must be >= 0, got %d", c.API.MaxRetries))
	}

	if c.Broadcast.RelayURL != "" {
		if err := checkURL(c.Broadcast.RelayURL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("broadcast.relay_url: %w", err))
		}
	}
	if strings.TrimSpace(c.Broadcast.Channel) == "" {
		errs = append(errs, fmt.Errorf("broadcast.channel is required"))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), parsed.Scheme)
}
