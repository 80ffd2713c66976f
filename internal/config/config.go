package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBSource       string
	Port           string
	Env            string
	RedisAddr      string
	IdempotencyTTL time.Duration
	FingerprintKey string
	PaystackKey    string
	PaystackURL    string
}

func Load() (*Config, error) {
	fingerprintKey := os.Getenv("FINGERPRINT_KEY")
	if fingerprintKey == "" {
		return nil, fmt.Errorf("FINGERPRINT_KEY environment variable is required")
	}

	ttl := 2 * time.Minute
	if raw := os.Getenv("IDEMPOTENCY_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		ttl = parsed
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	paystackURL := os.Getenv("PAYSTACK_BASE_URL")
	if paystackURL == "" {
		paystackURL = "https://api.paystack.co"
	}

	return &Config{
		DBSource:       os.Getenv("DB_SOURCE"),
		Port:           port,
		Env:            env,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		IdempotencyTTL: ttl,
		FingerprintKey: fingerprintKey,
		PaystackKey:    os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackURL:    paystackURL,
	}, nil
}
