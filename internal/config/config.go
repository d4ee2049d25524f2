// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim set on every token and required on validation.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAccessTTL is the access token lifetime (e.g. "1h").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// ChallengeTTLStr is how long a WebAuthn challenge or correlation token stays valid (e.g. "5m").
	ChallengeTTLStr string `mapstructure:"CHALLENGE_TTL"`
	// MagicLinkTTLStr is how long a magic link stays valid (e.g. "15m").
	MagicLinkTTLStr string `mapstructure:"MAGIC_LINK_TTL"`

	// AppOrigin is the public web origin; magic links point at AppOrigin + /auth/magic-link.
	AppOrigin string `mapstructure:"APP_ORIGIN"`
	// WebAuthnRPID is the relying party id (a registrable domain, e.g. "livre.example").
	WebAuthnRPID string `mapstructure:"WEBAUTHN_RP_ID"`
	// WebAuthnRPName is the relying party display name shown by authenticators.
	WebAuthnRPName string `mapstructure:"WEBAUTHN_RP_NAME"`
	// WebAuthnRPOrigins is a comma-separated list of accepted origins; defaults to APP_ORIGIN.
	WebAuthnRPOrigins string `mapstructure:"WEBAUTHN_RP_ORIGINS"`
	// AllowZeroSignCount accepts assertions whose counter is 0 when the stored counter is also 0
	// (authenticators that do not implement counters). Off by default.
	AllowZeroSignCount bool `mapstructure:"ALLOW_ZERO_SIGN_COUNT"`
	// CookieInsecure drops the Secure attribute from the challenge_token cookie. Development only.
	CookieInsecure bool `mapstructure:"COOKIE_INSECURE"`

	// MailRelayURL is the HTTP mail relay endpoint. Empty disables relay delivery.
	MailRelayURL string `mapstructure:"MAIL_RELAY_URL"`
	// MailRelayAPIKey is sent as the Authorization header to the relay.
	MailRelayAPIKey string `mapstructure:"MAIL_RELAY_API_KEY"`
	// MailFrom is the sender address used for outgoing mail.
	MailFrom string `mapstructure:"MAIL_FROM"`
	// MailDevOutbox when true keeps outgoing magic links in memory for GET /dev/mail/magic-link.
	// Must not be true when Env is production.
	MailDevOutbox bool `mapstructure:"MAIL_DEV_OUTBOX"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// JanitorIntervalStr is how often the worker prunes expired markers and magic links.
	JanitorIntervalStr string `mapstructure:"JANITOR_INTERVAL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "livre-auth")
	v.SetDefault("JWT_ACCESS_TTL", "1h")
	v.SetDefault("CHALLENGE_TTL", "5m")
	v.SetDefault("MAGIC_LINK_TTL", "15m")
	v.SetDefault("APP_ORIGIN", "http://localhost:3000")
	v.SetDefault("WEBAUTHN_RP_ID", "localhost")
	v.SetDefault("WEBAUTHN_RP_NAME", "Livre")
	v.SetDefault("WEBAUTHN_RP_ORIGINS", "")
	v.SetDefault("ALLOW_ZERO_SIGN_COUNT", false)
	v.SetDefault("COOKIE_INSECURE", false)
	v.SetDefault("MAIL_RELAY_URL", "")
	v.SetDefault("MAIL_RELAY_API_KEY", "")
	v.SetDefault("MAIL_FROM", "no-reply@livre.local")
	v.SetDefault("MAIL_DEV_OUTBOX", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "livre-auth")
	v.SetDefault("JANITOR_INTERVAL", "10m")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if strings.TrimSpace(cfg.JWTIssuer) == "" {
		return nil, errors.New("config: JWT_ISSUER must be set")
	}
	if strings.TrimSpace(cfg.WebAuthnRPID) == "" {
		return nil, errors.New("config: WEBAUTHN_RP_ID must be set")
	}
	if cfg.IsProduction() && cfg.MailDevOutbox {
		return nil, errors.New("config: MAIL_DEV_OUTBOX must not be true when APP_ENV=production")
	}
	if cfg.IsProduction() && cfg.CookieInsecure {
		return nil, errors.New("config: COOKIE_INSECURE must not be true when APP_ENV=production")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, time.Hour)
}

// ChallengeTTL parses ChallengeTTLStr. Returns 5m if unset or invalid.
func (c *Config) ChallengeTTL() time.Duration {
	return parseDuration(c.ChallengeTTLStr, 5*time.Minute)
}

// MagicLinkTTL parses MagicLinkTTLStr. Returns 15m if unset or invalid.
func (c *Config) MagicLinkTTL() time.Duration {
	return parseDuration(c.MagicLinkTTLStr, 15*time.Minute)
}

// JanitorInterval parses JanitorIntervalStr. Returns 10m if unset or invalid.
func (c *Config) JanitorInterval() time.Duration {
	return parseDuration(c.JanitorIntervalStr, 10*time.Minute)
}

// RPOrigins returns the accepted WebAuthn origins. Falls back to AppOrigin when WEBAUTHN_RP_ORIGINS is empty.
func (c *Config) RPOrigins() []string {
	if c == nil {
		return nil
	}
	out := splitList(c.WebAuthnRPOrigins)
	if len(out) == 0 && strings.TrimSpace(c.AppOrigin) != "" {
		out = []string{strings.TrimRight(strings.TrimSpace(c.AppOrigin), "/")}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimRight(strings.TrimSpace(p), "/"); v != "" {
			out = append(out, v)
		}
	}
	return out
}
