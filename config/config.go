package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the mnemosyne daemon.
type Config struct {
	Port               string
	Env                string
	DatabaseURL        string
	JWTSecret          string
	JWTIssuer          string
	SystemKey          string
	ReceiptStrict      bool
	RedisAddr          string
	LogFile            string
	TimeoutSweep       time.Duration
	CheckpointInterval time.Duration
	LockTTL            time.Duration
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("MNEMOSYNE_PORT", "8080")

	dbURL := os.Getenv("MNEMOSYNE_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("MNEMOSYNE_DB_URL is required")
	}

	jwtSecret := strings.TrimSpace(os.Getenv("MNEMOSYNE_JWT_SECRET"))
	if jwtSecret == "" {
		return nil, fmt.Errorf("MNEMOSYNE_JWT_SECRET is required")
	}
	jwtIssuer := strings.TrimSpace(getEnvDefault("MNEMOSYNE_JWT_ISSUER", "mnemosyne"))

	sweepSeconds := getEnvDefault("MNEMOSYNE_TIMEOUT_SWEEP_SECONDS", "300")
	sweep, err := strconv.Atoi(sweepSeconds)
	if err != nil || sweep <= 0 {
		return nil, fmt.Errorf("invalid MNEMOSYNE_TIMEOUT_SWEEP_SECONDS %q", sweepSeconds)
	}

	checkpointSeconds := getEnvDefault("MNEMOSYNE_CHECKPOINT_SECONDS", "1800")
	checkpoint, err := strconv.Atoi(checkpointSeconds)
	if err != nil || checkpoint <= 0 {
		return nil, fmt.Errorf("invalid MNEMOSYNE_CHECKPOINT_SECONDS %q", checkpointSeconds)
	}

	lockTTLSeconds := getEnvDefault("MNEMOSYNE_LOCK_TTL_SECONDS", "300")
	lockTTL, err := strconv.Atoi(lockTTLSeconds)
	if err != nil || lockTTL <= 0 {
		return nil, fmt.Errorf("invalid MNEMOSYNE_LOCK_TTL_SECONDS %q", lockTTLSeconds)
	}

	return &Config{
		Port:               normalizePort(port),
		Env:                getEnvDefault("MNEMOSYNE_ENV", "development"),
		DatabaseURL:        dbURL,
		JWTSecret:          jwtSecret,
		JWTIssuer:          jwtIssuer,
		SystemKey:          strings.TrimSpace(os.Getenv("MNEMOSYNE_SYSTEM_KEY")),
		ReceiptStrict:      parseBoolEnv("MNEMOSYNE_RECEIPT_STRICT", false),
		RedisAddr:          strings.TrimSpace(os.Getenv("MNEMOSYNE_REDIS_ADDR")),
		LogFile:            strings.TrimSpace(os.Getenv("MNEMOSYNE_LOG_FILE")),
		TimeoutSweep:       time.Duration(sweep) * time.Second,
		CheckpointInterval: time.Duration(checkpoint) * time.Second,
		LockTTL:            time.Duration(lockTTL) * time.Second,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
