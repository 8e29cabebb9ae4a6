// Package config loads gateway configuration. Precedence: environment
// variables, then the optional YAML file, then built-in defaults.
package config

import (
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the gateway.
type Config struct {
	// Store
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`

	// Server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Router
	HealthWeight    float64 `yaml:"health_weight"`
	CapacityWeight  float64 `yaml:"capacity_weight"`
	MaxAttempts     int     `yaml:"max_attempts"`
	FallbackEnabled bool    `yaml:"fallback_enabled"`

	// Upstream
	GeminiBaseURL string `yaml:"gemini_base_url"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	Debug    bool   `yaml:"debug"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		RedisURL:        "redis://localhost:6379/0",
		KeyPrefix:       "hydra:",
		Host:            "127.0.0.1",
		Port:            8000,
		HealthWeight:    0.4,
		CapacityWeight:  0.6,
		MaxAttempts:     20,
		FallbackEnabled: true,
		GeminiBaseURL:   "https://generativelanguage.googleapis.com/v1beta",
		LogLevel:        "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (if present), and
// the environment, in increasing precedence. The result is always usable.
func Load(path string) *Config {
	cfg := Defaults()

	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				log.WithError(err).Warnf("ignoring malformed config file %s", path)
			}
		}
	}

	applyEnv(cfg)
	cfg.normalizeWeights()
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > 20 {
		cfg.MaxAttempts = 20
	}
	return cfg
}

// normalizeWeights rescales the router weights when they do not sum to 1.0.
func (c *Config) normalizeWeights() {
	sum := c.HealthWeight + c.CapacityWeight
	if sum <= 0 {
		c.HealthWeight, c.CapacityWeight = 0.4, 0.6
		return
	}
	if math.Abs(sum-1.0) > 1e-9 {
		log.Warnf("router weights sum to %.3f, normalizing", sum)
		c.HealthWeight /= sum
		c.CapacityWeight /= sum
	}
}
