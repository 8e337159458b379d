package config

import (
	"os"
	"os/user"
	"time"
)

const (
	defaultRedisURL      = "redis://localhost:6379"
	defaultNamespace     = "server_coordinator"
	defaultRetryInterval = 5 * time.Second

	envRedisURL      = "REDIS_URL"
	envNamespace     = "LABCOORD_NAMESPACE"
	envRetryInterval = "LABCOORD_RETRY_INTERVAL"
	envIdentity      = "LABCOORD_IDENTITY"
)

// Config holds runtime configuration for the coordinator.
type Config struct {
	RedisURL      string
	Namespace     string
	RetryInterval time.Duration
	Identity      string
}

// Load returns configuration layered as defaults, then the optional
// settings file, then environment variables.
func Load(settingsPath string) (*Config, error) {
	cfg := &Config{
		RedisURL:      defaultRedisURL,
		Namespace:     defaultNamespace,
		RetryInterval: defaultRetryInterval,
		Identity:      localIdentity(),
	}

	if settingsPath != "" {
		settings, err := LoadSettings(settingsPath)
		if err != nil {
			return nil, err
		}
		cfg.applySettings(settings)
	}

	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envNamespace); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv(envRetryInterval); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			cfg.RetryInterval = parsed
		}
	}
	if v := os.Getenv(envIdentity); v != "" {
		cfg.Identity = v
	}
	return cfg, nil
}

func (c *Config) applySettings(s *Settings) {
	if s == nil {
		return
	}
	if s.RedisURL != "" {
		c.RedisURL = s.RedisURL
	}
	if s.Namespace != "" {
		c.Namespace = s.Namespace
	}
	if s.RetryInterval > 0 {
		c.RetryInterval = s.RetryInterval
	}
	if s.Identity != "" {
		c.Identity = s.Identity
	}
}

// localIdentity resolves the calling principal, preferring the OS user.
func localIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
