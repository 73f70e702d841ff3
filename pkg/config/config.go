// Package config loads deployment configuration from the environment and
// jurisdiction profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds ledger service configuration.
type Config struct {
	Port     string
	LogLevel string

	// Hot tier (Redis).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Session-state tier (SQLite).
	SQLitePath string

	// Analytical tier (S3). Bucket empty disables the tier.
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// Signing.
	KeystorePath string

	// Pseudonymization secret for user identifiers.
	IdentitySecret string

	// Intake.
	ClockSkewTolerance time.Duration
	MailboxSize        int
	IntakeRate         float64
	IntakeBurst        int

	// Fan-out reconciliation.
	ReconcileDeadline time.Duration

	// Jurisdiction profile ("profile_<code>.yaml" under ProfilesDir).
	ProfilesDir string
	Profile     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		SQLitePath: envOr("SQLITE_PATH", "data/sessions.db"),

		S3Bucket:   os.Getenv("LEDGER_S3_BUCKET"),
		S3Region:   envOr("LEDGER_S3_REGION", envOr("AWS_REGION", "us-east-1")),
		S3Endpoint: os.Getenv("LEDGER_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("LEDGER_S3_PREFIX"),

		KeystorePath: envOr("KEYSTORE_PATH", "data/keystore.json"),

		IdentitySecret: os.Getenv("IDENTITY_SECRET"),

		ClockSkewTolerance: envDuration("CLOCK_SKEW_TOLERANCE", 5*time.Second),
		MailboxSize:        envInt("MAILBOX_SIZE", 256),
		IntakeRate:         envFloat("INTAKE_RATE", 0),
		IntakeBurst:        envInt("INTAKE_BURST", 0),

		ReconcileDeadline: envDuration("RECONCILE_DEADLINE", 5*time.Minute),

		ProfilesDir: envOr("PROFILES_DIR", "profiles"),
		Profile:     envOr("JURISDICTION", "us"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
