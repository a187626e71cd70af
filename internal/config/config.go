package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/retry"
)

// Config holds all environment-based configuration for the server.
type Config struct {
	// Google OAuth application credentials.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/oauth/callback"`

	// SecretsBackend selects where token secrets live: "keyring" for the
	// OS-native store, "file" for the encrypted file fallback.
	SecretsBackend  string `env:"SECRETS_BACKEND" envDefault:"keyring"`
	SecretsDir      string `env:"SECRETS_DIR"`
	SecretsPassword string `env:"SECRETS_PASSWORD"`

	// LegacyTokensFile is the pre-keyring plaintext token file migrated
	// at startup. Empty selects ~/.google-photos-mcp/tokens.json.
	LegacyTokensFile string `env:"LEGACY_TOKENS_FILE"`

	// Daily quota caps for the Photos API.
	MaxRequestsPerDay int64 `env:"MAX_REQUESTS_PER_DAY" envDefault:"10000"`
	MaxMediaPerDay    int64 `env:"MAX_MEDIA_PER_DAY" envDefault:"75000"`

	// TokenExpiryBuffer refreshes tokens this long before actual expiry.
	TokenExpiryBuffer time.Duration `env:"TOKEN_EXPIRY_BUFFER" envDefault:"5m"`

	// Retry policy for Photos API calls.
	RetryMaxRetries     int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay   time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier     float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryRateLimitFloor time.Duration `env:"RETRY_RATE_LIMIT_FLOOR" envDefault:"30s"`

	// GeocodeMinInterval spaces Nominatim lookups. The provider caps at
	// 1 req/s; the default includes a 10% safety buffer.
	GeocodeMinInterval time.Duration `env:"GEOCODE_MIN_INTERVAL" envDefault:"1100ms"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.LegacyTokensFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.LegacyTokensFile = filepath.Join(home, ".google-photos-mcp", "tokens.json")
	}

	if cfg.SecretsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.SecretsDir = filepath.Join(home, ".google-photos-mcp", "secrets")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}

	if c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}

	switch c.SecretsBackend {
	case "keyring":
	case "file":
		if c.SecretsPassword == "" {
			return fmt.Errorf("SECRETS_PASSWORD is required when SECRETS_BACKEND=file")
		}
	default:
		return fmt.Errorf("unknown SECRETS_BACKEND %q (expected \"keyring\" or \"file\")", c.SecretsBackend)
	}

	if c.MaxRequestsPerDay <= 0 || c.MaxMediaPerDay <= 0 {
		return fmt.Errorf("quota limits must be positive")
	}

	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}

	if c.GeocodeMinInterval <= 0 {
		return fmt.Errorf("GEOCODE_MIN_INTERVAL must be positive")
	}

	return nil
}

// RetryPolicy assembles the retry policy fields.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     c.RetryMaxRetries,
		InitialDelay:   c.RetryInitialDelay,
		MaxDelay:       c.RetryMaxDelay,
		RateLimitFloor: c.RetryRateLimitFloor,
		Multiplier:     c.RetryMultiplier,
	}
}

// QuotaLimits assembles the daily quota caps.
func (c *Config) QuotaLimits() quota.Limits {
	return quota.Limits{
		MaxRequests: c.MaxRequestsPerDay,
		MaxMedia:    c.MaxMediaPerDay,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
