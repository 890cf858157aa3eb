package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimit is one fixed-window policy.
type RateLimit struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// DBSource enables the Postgres audit mirror when set.
	DBSource string `yaml:"db_source"`
	// RedisAddr switches rate limiting to a shared Redis counter when set.
	RedisAddr string `yaml:"redis_addr"`

	// ClearnodeURL selects the HTTP clearing node; empty runs the simulator.
	ClearnodeURL     string        `yaml:"clearnode_url"`
	ClearnodeTimeout time.Duration `yaml:"clearnode_timeout"`
	ClearnodeRPS     float64       `yaml:"clearnode_rps"`
	ClearnodeBurst   int           `yaml:"clearnode_burst"`
	SimulatorLatency time.Duration `yaml:"simulator_latency"`

	OperationTimeout time.Duration `yaml:"operation_timeout"`

	GuestLimit RateLimit `yaml:"guest_limit"`
	AuthLimit  RateLimit `yaml:"auth_limit"`
	HookLimit  RateLimit `yaml:"hook_limit"`

	// TrustedProxies are addresses or CIDR ranges whose X-Forwarded-For
	// header names the client. Empty keys rate limits on the TCP peer.
	TrustedProxies []string `yaml:"trusted_proxies"`

	CleanupSchedule string `yaml:"cleanup_schedule"`
	// SessionIdleTTL discards sessions untouched for this long; zero keeps them.
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		Env:              "development",
		LogLevel:         "info",
		ClearnodeTimeout: 15 * time.Second,
		ClearnodeRPS:     20,
		ClearnodeBurst:   40,
		SimulatorLatency: 150 * time.Millisecond,
		OperationTimeout: 30 * time.Second,
		GuestLimit:       RateLimit{Window: time.Minute, Max: 60},
		AuthLimit:        RateLimit{Window: time.Minute, Max: 5},
		HookLimit:        RateLimit{Window: time.Minute, Max: 30},
		CleanupSchedule:  "@every 1m",
		SessionIdleTTL:   30 * time.Minute,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE, then environment variables (a local .env file is honoured).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = getEnv("SERVER_PORT", cfg.Port)
	cfg.Env = getEnv("ENVIRONMENT", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBSource = getEnv("DB_SOURCE", cfg.DBSource)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ClearnodeURL = getEnv("CLEARNODE_URL", cfg.ClearnodeURL)
	cfg.ClearnodeTimeout = getDurationEnv("CLEARNODE_TIMEOUT", cfg.ClearnodeTimeout)
	cfg.ClearnodeRPS = getFloatEnv("CLEARNODE_RPS", cfg.ClearnodeRPS)
	cfg.ClearnodeBurst = getIntEnv("CLEARNODE_BURST", cfg.ClearnodeBurst)
	cfg.SimulatorLatency = getDurationEnv("SIMULATOR_LATENCY", cfg.SimulatorLatency)
	cfg.OperationTimeout = getDurationEnv("OPERATION_TIMEOUT", cfg.OperationTimeout)
	cfg.GuestLimit.Window = getDurationEnv("RATE_LIMIT_GUEST_WINDOW", cfg.GuestLimit.Window)
	cfg.GuestLimit.Max = getIntEnv("RATE_LIMIT_GUEST_MAX", cfg.GuestLimit.Max)
	cfg.AuthLimit.Window = getDurationEnv("RATE_LIMIT_AUTH_WINDOW", cfg.AuthLimit.Window)
	cfg.AuthLimit.Max = getIntEnv("RATE_LIMIT_AUTH_MAX", cfg.AuthLimit.Max)
	cfg.HookLimit.Window = getDurationEnv("RATE_LIMIT_HOOK_WINDOW", cfg.HookLimit.Window)
	cfg.HookLimit.Max = getIntEnv("RATE_LIMIT_HOOK_MAX", cfg.HookLimit.Max)
	cfg.CleanupSchedule = getEnv("RATE_LIMIT_CLEANUP_SCHEDULE", cfg.CleanupSchedule)
	cfg.SessionIdleTTL = getDurationEnv("SESSION_IDLE_TTL", cfg.SessionIdleTTL)
	cfg.TrustedProxies = getListEnv("TRUSTED_PROXIES", cfg.TrustedProxies)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("SERVER_PORT must not be empty")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT must be positive")
	}
	if c.SessionIdleTTL < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must not be negative")
	}
	for name, rl := range map[string]RateLimit{"guest": c.GuestLimit, "auth": c.AuthLimit, "hook": c.HookLimit} {
		if rl.Window <= 0 || rl.Max <= 0 {
			return fmt.Errorf("%s rate limit needs a positive window and max", name)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
