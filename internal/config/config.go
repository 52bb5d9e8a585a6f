package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	DB       DatabaseConfig
	Policies PoliciesConfig
	Dispatch DispatchConfig
	Hub      HubConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	RateLimitRPS int
}

type DatabaseConfig struct {
	Path string
}

type PoliciesConfig struct {
	Path string
}

type DispatchConfig struct {
	Workers       int
	BufferSize    int
	MaxRetries    int
	RetryInterval time.Duration
	WebhookURL    string
}

type HubConfig struct {
	SubscriberBuffer int
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			RateLimitRPS: getEnvInt("RATE_LIMIT_RPS", 50),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/escalation.db"),
		},
		Policies: PoliciesConfig{
			Path: getEnv("POLICY_PATH", "./policies.yaml"),
		},
		Dispatch: DispatchConfig{
			Workers:       getEnvInt("DISPATCH_WORKERS", 2),
			BufferSize:    getEnvInt("DISPATCH_BUFFER_SIZE", 64),
			MaxRetries:    getEnvInt("DISPATCH_MAX_RETRIES", 5),
			RetryInterval: getEnvDuration("DISPATCH_RETRY_INTERVAL", 500*time.Millisecond),
			WebhookURL:    getEnv("DISPATCH_WEBHOOK_URL", ""),
		},
		Hub: HubConfig{
			SubscriberBuffer: getEnvInt("HUB_SUBSCRIBER_BUFFER", 64),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 1 {
		return fmt.Errorf("rate limit must be at least 1 rps")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch workers must be at least 1")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must not be negative")
	}
	if c.Hub.SubscriberBuffer < 1 {
		return fmt.Errorf("hub subscriber buffer must be at least 1")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
