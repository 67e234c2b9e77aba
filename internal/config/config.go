// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all env configuration vars for eduinvite.
type Config struct {
	// StoreBackend selects the invitation store. "memory" is for local development
	// and tests; it needs no DATABASE_URL and loses everything on restart.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	// RedisURL is optional. Empty keeps sessions, rate limits and the
	// provisioning queue in process memory.
	RedisURL string     `env:"REDIS_URL"`
	Port     string     `env:"PORT" envDefault:"7865"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	OIDC OIDC `envPrefix:"OIDC_"`

	// PKCETTL bounds the time between BeginLogin and the callback.
	PKCETTL time.Duration `env:"PKCE_TTL" envDefault:"10m"`
	// SessionTTL is the idle lifetime of an onboarding session.
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	// RateSweepInterval is how often the in-process rate limiter drops stale counters.
	RateSweepInterval time.Duration `env:"RATE_SWEEP_INTERVAL" envDefault:"1m"`

	// MFAACRValues are the acr claim values accepted as multi-factor logins.
	MFAACRValues []string `env:"MFA_ACR_VALUES" envSeparator:"," envDefault:"https://refeds.org/profile/mfa"`

	GroupsFile     string        `env:"GROUPS_FILE"`
	GroupCacheSize int           `env:"GROUP_CACHE_SIZE" envDefault:"256"`
	GroupCacheTTL  time.Duration `env:"GROUP_CACHE_TTL" envDefault:"1m"`

	// TurnstileSecret enables CAPTCHA on code submission when set.
	TurnstileSecret string `env:"TURNSTILE_SECRET"`
	// AdminTokenHash is the Argon2id PHC hash of the admin bearer token.
	// Empty disables the admin routes.
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	// Rate limit policy for code submissions per client IP.
	// Defaults: max=10, window=10m, lockout=15m.
	RateCodeMax     int           `env:"RATE_CODE_MAX" envDefault:"10"`
	RateCodeWindow  time.Duration `env:"RATE_CODE_WINDOW" envDefault:"10m"`
	RateCodeLockout time.Duration `env:"RATE_CODE_LOCKOUT" envDefault:"15m"`

	// Rate limit policy for admin requests per client IP, checked before the token.
	RateAdminMax     int           `env:"RATE_ADMIN_MAX" envDefault:"30"`
	RateAdminWindow  time.Duration `env:"RATE_ADMIN_WINDOW" envDefault:"1m"`
	RateAdminLockout time.Duration `env:"RATE_ADMIN_LOCKOUT" envDefault:"15m"`

	// Provisioning events go to the webhook when set, otherwise to the log.
	ProvisionWebhookURL   string `env:"PROVISION_WEBHOOK_URL"`
	ProvisionWebhookToken string `env:"PROVISION_WEBHOOK_TOKEN"`
	ProvisionQueueMax     int    `env:"PROVISION_QUEUE_MAX" envDefault:"10000"`
}

// OIDC configures the eduID relying party.
type OIDC struct {
	ClientID     string `env:"CLIENT_ID,required,notEmpty"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI,required,notEmpty"`
	WellKnownURL string `env:"WELL_KNOWN_URL" envDefault:"https://login.eduid.ch/.well-known/openid-configuration"`
	Scope        string `env:"SCOPE" envDefault:"openid"`
	// Timeout applies to every provider request.
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"10s"`
	UserinfoAttempts int           `env:"USERINFO_ATTEMPTS" envDefault:"3"`
	RetryInterval    time.Duration `env:"RETRY_INTERVAL" envDefault:"500ms"`
}

// LoadConfig reads environment variables and returns a validated Config.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend))
	}

	if err := checkRedirectURI(c.OIDC.RedirectURI); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.OIDC.WellKnownURL, "https://") {
		errs = append(errs, errors.New("OIDC_WELL_KNOWN_URL must start with https://"))
	}
	if c.OIDC.UserinfoAttempts < 1 {
		errs = append(errs, errors.New("OIDC_USERINFO_ATTEMPTS must be at least 1"))
	}

	// Zero or negative durations would silently disable expiry or rate limiting.
	for name, d := range map[string]time.Duration{
		"OIDC_TIMEOUT":       c.OIDC.Timeout,
		"PKCE_TTL":           c.PKCETTL,
		"SESSION_TTL":        c.SessionTTL,
		"RATE_CODE_WINDOW":   c.RateCodeWindow,
		"RATE_CODE_LOCKOUT":  c.RateCodeLockout,
		"RATE_ADMIN_WINDOW":  c.RateAdminWindow,
		"RATE_ADMIN_LOCKOUT": c.RateAdminLockout,
		"GROUP_CACHE_TTL":    c.GroupCacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateCodeMax <= 0 {
		errs = append(errs, errors.New("RATE_CODE_MAX must be positive"))
	}
	if c.RateAdminMax <= 0 {
		errs = append(errs, errors.New("RATE_ADMIN_MAX must be positive"))
	}
	if c.GroupCacheSize <= 0 {
		errs = append(errs, errors.New("GROUP_CACHE_SIZE must be positive"))
	}

	c.MFAACRValues = compact(c.MFAACRValues)
	if len(c.MFAACRValues) == 0 {
		errs = append(errs, errors.New("MFA_ACR_VALUES must name at least one value"))
	}

	if c.AdminTokenHash != "" && !strings.HasPrefix(c.AdminTokenHash, "$argon2id$") {
		errs = append(errs, errors.New("ADMIN_TOKEN_HASH must be an argon2id PHC string"))
	}
	if c.ProvisionWebhookURL != "" && !strings.HasPrefix(c.ProvisionWebhookURL, "https://") {
		errs = append(errs, errors.New("PROVISION_WEBHOOK_URL must start with https://"))
	}

	return errors.Join(errs...)
}

// checkRedirectURI requires https, except for loopback hosts used in development.
func checkRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("OIDC_REDIRECT_URI is not an absolute URL: %q", raw)
	}
	switch {
	case u.Scheme == "https":
		return nil
	case u.Scheme == "http" && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1"):
		return nil
	}
	return errors.New("OIDC_REDIRECT_URI must use https")
}

// compact trims entries and drops empty ones.
func compact(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
