package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBolt   = "bolt"
)

// Flow modes for the authorization redirect.
const (
	FlowDirect = "direct"
	FlowDevice = "device"
)

// Config holds all environment-based configuration for authrelay.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// BaseURL is the public URL this relay is reachable at. Used to build
	// the verification URI handed to devices and, when REDIRECT_URI is
	// empty, the redirect URI registered with the upstream.
	BaseURL string `env:"BASE_URL"`

	// LimitRequestsPerMinute caps polling and data requests per subject
	// per minute. Also sets the poll interval advertised to devices.
	LimitRequestsPerMinute int `env:"LIMIT_REQUESTS_PER_MINUTE" envDefault:"12"`

	// Upstream endpoints.
	AuthorizationEndpoint string `env:"AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string `env:"TOKEN_ENDPOINT"`
	CredentialsEndpoint   string `env:"CREDENTIALS_ENDPOINT"`
	DataEndpoint          string `env:"DATA_ENDPOINT"`

	// Relay credentials with the upstream. When set, CLIENT_SECRET takes
	// precedence over any secret a device supplies.
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`

	// RedirectURI overrides the derived <BASE_URL>/auth/redirect.
	RedirectURI string `env:"REDIRECT_URI"`

	// Flow selects what happens when the user lands back on the relay:
	// "direct" mints relay-local tokens from the redirect parameters,
	// "device" exchanges the authorization code upstream.
	Flow string `env:"FLOW" envDefault:"direct"`

	// PKCE enables code challenge parameters on the authorization URL.
	PKCE bool `env:"PKCE" envDefault:"false"`

	// ConsentDuration is forwarded to upstreams that take a duration
	// parameter on the authorization URL (ISO 8601, e.g. "P1Y").
	ConsentDuration string `env:"CONSENT_DURATION"`

	// VersionMin, when set, rejects clients whose User-Agent advertises
	// an older version.
	VersionMin string `env:"VERSION_MIN"`

	// DisableDataEndpointAuth turns off bearer validation on the data
	// proxy. Only sensible behind another auth layer.
	DisableDataEndpointAuth bool `env:"DISABLE_DATA_ENDPOINT_AUTH" envDefault:"false"`

	// Store backend selection.
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"authrelay:"`
	BoltPath       string `env:"BOLT_PATH"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}

	if c.LimitRequestsPerMinute <= 0 {
		return fmt.Errorf("LIMIT_REQUESTS_PER_MINUTE must be positive")
	}

	if c.AuthorizationEndpoint == "" {
		return fmt.Errorf("AUTHORIZATION_ENDPOINT is required")
	}

	if c.TokenEndpoint == "" {
		return fmt.Errorf("TOKEN_ENDPOINT is required")
	}

	switch c.Flow {
	case FlowDirect, FlowDevice:
	default:
		return fmt.Errorf("FLOW must be %q or %q, got %q", FlowDirect, FlowDevice, c.Flow)
	}

	switch c.StoreBackend {
	case StoreMemory, StoreBolt:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.VersionMin != "" {
		if _, err := semver.NewVersion(c.VersionMin); err != nil {
			return fmt.Errorf("VERSION_MIN %q is not a valid version: %w", c.VersionMin, err)
		}
	}

	return nil
}

// ExchangeFlow returns true when redirects should exchange the
// authorization code upstream instead of minting tokens directly.
func (c *Config) ExchangeFlow() bool {
	return c.Flow == FlowDevice
}

// EffectiveRedirectURI returns the redirect URI to register upstream.
func (c *Config) EffectiveRedirectURI() string {
	if c.RedirectURI != "" {
		return c.RedirectURI
	}

	return c.BaseURL + "/auth/redirect"
}

// DefaultBoltPath returns the bolt database path used when BOLT_PATH is
// not set: ~/.authrelay/cache.db
func DefaultBoltPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authrelay", "cache.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
