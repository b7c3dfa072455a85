package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the process reads from the environment at
// startup. All knobs have defaults so a bare `go run ./cmd/server` works
// against a local oracle.
type Config struct {
	AppEnv     string
	ListenAddr string
	// PublicURL is the externally reachable base URL embedded in wallet-link
	// URLs handed to users.
	PublicURL string

	// DatabaseDSN selects the Postgres substrate when set; otherwise the
	// store opens the SQLite file at DatabasePath.
	DatabaseDSN  string
	DatabasePath string

	OracleBaseURL string
	OracleTimeout time.Duration

	RatePerSecond float64
	RateBurst     int

	CacheTTL   time.Duration
	Workers    int
	SessionTTL time.Duration

	// EncryptionKey is the 32-byte at-rest key. Generated fresh when the env
	// var is unset, which makes stored data unreadable after a restart.
	EncryptionKey []byte
	// KeyGenerated records that no key was configured, so main can warn.
	KeyGenerated bool
}

const keySize = 32

// Load reads GATEKEEPER_* environment variables, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        getenv("APP_ENV", "development"),
		ListenAddr:    getenv("GATEKEEPER_LISTEN_ADDR", ":8080"),
		PublicURL:     getenv("GATEKEEPER_PUBLIC_URL", "http://localhost:8080"),
		DatabaseDSN:   os.Getenv("GATEKEEPER_DATABASE_DSN"),
		DatabasePath:  getenv("GATEKEEPER_DATABASE_PATH", "gatekeeper.db"),
		OracleBaseURL: getenv("GATEKEEPER_ORACLE_URL", "https://xdai.colony.io/reputation/xdai"),
	}

	var err error
	if cfg.OracleTimeout, err = getduration("GATEKEEPER_ORACLE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RatePerSecond, err = getfloat("GATEKEEPER_RATE_PER_SECOND", 100); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = getint("GATEKEEPER_RATE_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getduration("GATEKEEPER_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getint("GATEKEEPER_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("GATEKEEPER_WORKERS must be at least 1")
	}
	if cfg.SessionTTL, err = getduration("GATEKEEPER_SESSION_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if raw := os.Getenv("GATEKEEPER_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("GATEKEEPER_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("GATEKEEPER_ENCRYPTION_KEY must be %d bytes, got %d", keySize, len(key))
		}
		cfg.EncryptionKey = key
	} else {
		key := make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		cfg.EncryptionKey = key
		cfg.KeyGenerated = true
	}

	return cfg, nil
}

// ZeroKey wipes the encryption key from memory. Call on shutdown.
func (c *Config) ZeroKey() {
	for i := range c.EncryptionKey {
		c.EncryptionKey[i] = 0
	}
}

// String renders the config for startup logging with the key redacted.
func (c *Config) String() string {
	return fmt.Sprintf(
		"env=%s listen=%s public_url=%s db=%s oracle=%s rate=%g/s burst=%d cache_ttl=%s workers=%d session_ttl=%s key=<redacted>",
		c.AppEnv, c.ListenAddr, c.PublicURL, c.databaseDesc(), c.OracleBaseURL,
		c.RatePerSecond, c.RateBurst, c.CacheTTL, c.Workers, c.SessionTTL,
	)
}

func (c *Config) databaseDesc() string {
	if c.DatabaseDSN != "" {
		return "postgres"
	}
	return "sqlite:" + c.DatabasePath
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getfloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
