package config

import (
	"os"
	"strconv"
)

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		switch v {
		case "1", "true", "yes", "TRUE", "True":
			*dst = true
		case "0", "false", "no", "FALSE", "False":
			*dst = false
		}
	}
}

func applyEnv(c *Config) {
	envStr("REDIS_URL", &c.RedisURL)
	envStr("HYDRA_KEY_PREFIX", &c.KeyPrefix)
	envStr("HYDRA_HOST", &c.Host)
	envInt("HYDRA_PORT", &c.Port)
	envFloat("HYDRA_HEALTH_WEIGHT", &c.HealthWeight)
	envFloat("HYDRA_CAPACITY_WEIGHT", &c.CapacityWeight)
	envInt("HYDRA_RETRY_ATTEMPTS", &c.MaxAttempts)
	envBool("HYDRA_FALLBACK_ENABLED", &c.FallbackEnabled)
	envStr("GEMINI_API_BASE", &c.GeminiBaseURL)
	envStr("HYDRA_LOG_LEVEL", &c.LogLevel)
	envStr("HYDRA_LOG_FILE", &c.LogFile)
	envBool("HYDRA_DEBUG", &c.Debug)
}
