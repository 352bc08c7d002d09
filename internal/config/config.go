package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	JWTSecret   string
	TokenExpiry time.Duration

	// CredentialKey seals device credential blobs; 32 bytes, hex encoded in
	// the environment.
	CredentialKey []byte

	ConsentRefreshInterval time.Duration
	ConsentStalenessTTL    time.Duration

	BusPartitions    int
	DispatchWorkers  int
	QuarantineWindow time.Duration
	SweepInterval    time.Duration

	EgressStream string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		EgressStream: getEnv("EGRESS_STREAM", "egress:events"),
	}

	var err error
	if cfg.TokenExpiry, err = getDuration("TOKEN_EXPIRY", "24h"); err != nil {
		return nil, err
	}
	if cfg.ConsentRefreshInterval, err = getDuration("CONSENT_REFRESH_INTERVAL", "30s"); err != nil {
		return nil, err
	}
	if cfg.ConsentStalenessTTL, err = getDuration("CONSENT_STALENESS_TTL", "5m"); err != nil {
		return nil, err
	}
	if cfg.QuarantineWindow, err = getDuration("QUARANTINE_WINDOW", "10m"); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.BusPartitions, err = getInt("BUS_PARTITIONS", 8); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = getInt("DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	keyHex := os.Getenv("CREDENTIAL_KEY")
	if keyHex == "" {
		return nil, errors.New("CREDENTIAL_KEY is required")
	}
	cfg.CredentialKey, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.New("CREDENTIAL_KEY must be hex encoded")
	}
	if len(cfg.CredentialKey) != 32 {
		return nil, errors.New("CREDENTIAL_KEY must decode to 32 bytes")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return n, nil
}
