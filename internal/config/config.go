package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL    string
	RedisURL       string
	Port           string
	JWTSecret      string
	OTPSalt        string
	DevMode        bool
	Environment    string
	LogLevel       string
	LogFormat      string
	KafkaBrokers   []string
	NotifyTopic    string
	AppBaseURL     string
	BcryptCost     int
	AccessTokenTTL time.Duration
	CORSOrigins    []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:           "8080",
		Environment:    "development",
		LogLevel:       "info",
		NotifyTopic:    "society-notifications",
		AppBaseURL:     "http://localhost:3000",
		AccessTokenTTL: 24 * time.Hour,
		CORSOrigins:    []string{"http://localhost:3000"},
	}

	var err error
	if cfg.DatabaseURL, err = required("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.RedisURL, err = required("REDIS_URL"); err != nil {
		return nil, err
	}
	if cfg.JWTSecret, err = required("JWT_SECRET"); err != nil {
		return nil, err
	}
	if cfg.OTPSalt, err = required("OTP_SALT"); err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"
	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Environment = env
	}
	if cfg.DevMode && cfg.Environment == "production" {
		return nil, fmt.Errorf("DEV_MODE must not be enabled when APP_ENV=production")
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.LogFormat = os.Getenv("LOG_FORMAT")

	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if topic := os.Getenv("NOTIFY_KAFKA_TOPIC"); topic != "" {
		cfg.NotifyTopic = topic
	}
	if base := os.Getenv("APP_BASE_URL"); base != "" {
		cfg.AppBaseURL = strings.TrimRight(base, "/")
	}
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	if raw := os.Getenv("BCRYPT_COST"); raw != "" {
		cost, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("BCRYPT_COST must be an integer: %w", err)
		}
		cfg.BcryptCost = cost
	}

	if raw := os.Getenv("ACCESS_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("ACCESS_TOKEN_TTL must be a duration: %w", err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
		}
		cfg.AccessTokenTTL = ttl
	}

	return cfg, nil
}

func required(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%s environment variable is required", key)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
