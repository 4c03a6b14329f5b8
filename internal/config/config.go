package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob of the service. Values come from the
// environment; nothing security-sensitive has a generated default.
type Config struct {
	Server  ServerConfig
	Session SessionConfig
	License LicenseConfig
	Auth    AuthConfig

	// PGDSN is the PostgreSQL connection string.
	PGDSN string
	// RedisURL points at the session key store. Empty selects the
	// in-process store (single-node deployments and tests).
	RedisURL string
	// PermissionAppLabels lists the recognised "<app>." prefixes for
	// permission codes.
	PermissionAppLabels []string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SessionConfig controls the session governor.
type SessionConfig struct {
	// SingleSession enforces at most one active session per principal.
	SingleSession bool
	// IdleTimeout is the inactivity window after which a session is reaped.
	IdleTimeout time.Duration
}

// LicenseConfig controls the license gate.
type LicenseConfig struct {
	// CipherSecret derives the token cipher key. Required; the key is
	// never generated at startup so previously written tokens stay
	// readable across restarts.
	CipherSecret string
	// CacheTTL bounds staleness of the cached lock state.
	CacheTTL time.Duration
	// DefaultMaxUsers applies when no license row exists yet.
	DefaultMaxUsers int
}

// AuthConfig controls bearer token issuance for the HTTP boundary.
type AuthConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
	Issuer      string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ACSG_LISTEN_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("ACSG_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("ACSG_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("ACSG_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("ACSG_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Session: SessionConfig{
			SingleSession: getEnvBool("ACSG_SINGLE_SESSION", true),
			IdleTimeout:   getEnvDuration("ACSG_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		},
		License: LicenseConfig{
			CipherSecret:    strings.TrimSpace(os.Getenv("ACSG_LICENSE_SECRET")),
			CacheTTL:        getEnvDuration("ACSG_LICENSE_CACHE_TTL", 10*time.Second),
			DefaultMaxUsers: getEnvInt("ACSG_DEFAULT_MAX_USERS", 4),
		},
		Auth: AuthConfig{
			TokenSecret: strings.TrimSpace(os.Getenv("ACSG_TOKEN_SECRET")),
			TokenTTL:    getEnvDuration("ACSG_TOKEN_TTL", 12*time.Hour),
			Issuer:      getEnv("ACSG_TOKEN_ISSUER", "acsg"),
		},
		PGDSN:               strings.TrimSpace(os.Getenv("ACSG_PG_DSN")),
		RedisURL:            strings.TrimSpace(os.Getenv("ACSG_REDIS_URL")),
		PermissionAppLabels: splitCSV(getEnv("ACSG_PERMISSION_APP_LABELS", "factor,tankhah,budget,payment,core")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	if c.License.CipherSecret == "" {
		return errors.New("ACSG_LICENSE_SECRET is required")
	}
	if c.Auth.TokenSecret == "" {
		return errors.New("ACSG_TOKEN_SECRET is required")
	}
	if c.Session.IdleTimeout <= 0 {
		return errors.New("session idle timeout must be positive")
	}
	if c.License.DefaultMaxUsers < 1 {
		return errors.New("default max users must be at least 1")
	}
	if len(c.PermissionAppLabels) == 0 {
		return errors.New("at least one permission app label is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
