package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabasePath   string
	RedisAddr      string
	SigningKeyPath string
	SigningKeyID   string
	ProfilesDir    string
	Profile        string
	ShadowMode     bool

	CacheMaxSize    int
	CacheDefaultTTL time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "governance.db"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profile := os.Getenv("GOVERNANCE_PROFILE")
	if profile == "" {
		profile = "default"
	}

	shadowMode := os.Getenv("SHADOW_MODE") == "true"

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabasePath:    dbPath,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		SigningKeyPath:  os.Getenv("SIGNING_KEY_PATH"),
		SigningKeyID:    os.Getenv("SIGNING_KEY_ID"),
		ProfilesDir:     profilesDir,
		Profile:         profile,
		ShadowMode:      shadowMode,
		CacheMaxSize:    envInt("POLICY_CACHE_MAX_SIZE", 1000),
		CacheDefaultTTL: envDuration("POLICY_CACHE_TTL", 5*time.Minute),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
