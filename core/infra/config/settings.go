package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the optional YAML settings file for site-wide defaults:
// where the shared Redis lives and which namespace the fleet uses.
type Settings struct {
	RedisURL      string
	Namespace     string
	RetryInterval time.Duration
	Identity      string
}

type rawSettings struct {
	RedisURL      string `yaml:"redis_url"`
	Namespace     string `yaml:"namespace"`
	RetryInterval string `yaml:"retry_interval"`
	Identity      string `yaml:"identity"`
}

// ParseSettings parses settings data from YAML bytes.
func ParseSettings(data []byte) (*Settings, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw rawSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s := &Settings{
		RedisURL:  raw.RedisURL,
		Namespace: raw.Namespace,
		Identity:  raw.Identity,
	}
	if raw.RetryInterval != "" {
		interval, err := time.ParseDuration(raw.RetryInterval)
		if err != nil {
			return nil, fmt.Errorf("parse retry_interval: %w", err)
		}
		if interval <= 0 {
			return nil, errors.New("retry_interval must be positive")
		}
		s.RetryInterval = interval
	}
	return s, nil
}

// LoadSettings reads a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return nil, errors.New("settings path is empty")
	}

	// #nosec G304 -- settings path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return ParseSettings(data)
}
