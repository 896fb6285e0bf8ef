package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server reads from the environment.
type Config struct {
	Port           string
	DatabaseURL    string // postgres DSN; when empty the server falls back to a local sqlite file
	DBPath         string
	AllowedOrigins string

	WorldAppID   string
	WorldAPIKey  string
	DevPortalURL string
	VerifierURL  string

	AuditLogPath string

	SessionTTL      time.Duration
	LockStaleAfter  time.Duration
	LockMaxAttempts int
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBPath:         getEnv("DB_PATH", "world_arena.db"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),

		WorldAppID:   os.Getenv("WORLD_APP_ID"),
		WorldAPIKey:  os.Getenv("WORLD_API_KEY"),
		DevPortalURL: getEnv("DEV_PORTAL_URL", "https://developer.worldcoin.org/api/v2"),
		VerifierURL:  getEnv("VERIFIER_URL", "https://developer.worldcoin.org/api/v2"),

		AuditLogPath: getEnv("AUDIT_LOG_PATH", "audit.log"),

		SessionTTL:      getDuration("SESSION_TTL", 7*24*time.Hour),
		LockStaleAfter:  getDuration("LOCK_STALE_AFTER", 10*time.Second),
		LockMaxAttempts: getInt("LOCK_MAX_ATTEMPTS", 5),
	}

	if cfg.WorldAppID == "" {
		return nil, fmt.Errorf("WORLD_APP_ID environment variable not set")
	}
	if cfg.WorldAPIKey == "" {
		return nil, fmt.Errorf("WORLD_API_KEY environment variable not set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
