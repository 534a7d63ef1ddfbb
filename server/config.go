package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Osminogka/OAuthServer/internal/util"
)

// MaxAuthorizationCodeTTL caps AuthorizationCodeTTL (RFC 6749 section 4.1.2
// recommends at most 10 minutes).
const MaxAuthorizationCodeTTL = 600

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// Audience is placed in the "aud" claim of access tokens.
	// Default: Issuer
	Audience string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes), max 600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// PendingAuthorizationTTL bounds the login round trip
	PendingAuthorizationTTL int64 // seconds, default: 600

	// AllowRefreshTokenRotation enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool

	// RequirePKCE enforces PKCE for every client, not only public ones.
	// Public clients always require PKCE regardless of this setting.
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// AllowInsecureAuthWithoutState lets authorization requests omit state.
	// Default: false
	AllowInsecureAuthWithoutState bool

	// AllowInsecureHTTP permits an http issuer and http redirect URIs on
	// non-loopback hosts. Development only.
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// SupportedScopes lists the scopes this server knows. If empty, any
	// scope registered on a client is accepted.
	SupportedScopes []string

	// AllowedCustomSchemes are regex patterns for native-app redirect URI schemes
	// Default: ["^[a-z][a-z0-9+.-]*$"]
	AllowedCustomSchemes []string

	// ClientCacheTTL bounds how long client lookups are served from memory
	// Default: 5 minutes. Negative disables the cache.
	ClientCacheTTL time.Duration

	// StoreTimeout bounds every storage call
	// Default: 5 seconds
	StoreTimeout time.Duration

	// StoreRetryAttempts is the total number of tries for retryable storage calls
	// Default: 3
	StoreRetryAttempts int

	// StoreRetryInitialInterval is the first backoff interval
	// Default: 50ms
	StoreRetryInitialInterval time.Duration

	// RevokedFamilyRetentionDays keeps revoked refresh token family metadata
	// for reuse detection and forensics
	// Default: 90
	RevokedFamilyRetentionDays int64

	// StateSecret signs the state handed to the login collaborator. Must be
	// at least 32 bytes and shared by all replicas. Empty generates an
	// ephemeral secret.
	StateSecret []byte
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClientCacheTTL == 0 {
		config.ClientCacheTTL = 5 * time.Minute
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if config.StoreRetryAttempts == 0 {
		config.StoreRetryAttempts = 3
	}
	if config.StoreRetryInitialInterval == 0 {
		config.StoreRetryInitialInterval = 50 * time.Millisecond
	}
	if config.RevokedFamilyRetentionDays == 0 {
		config.RevokedFamilyRetentionDays = 90
	}
	if config.Audience == "" {
		config.Audience = config.Issuer
	}
	if len(config.AllowedCustomSchemes) == 0 {
		config.AllowedCustomSchemes = DefaultRFC3986SchemePattern
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// If all security bools are false the config is treated as fresh.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy &&
		!config.AllowInsecureAuthWithoutState

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"note", "Public clients always require PKCE")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable and reuse cannot be detected",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if config.AllowInsecureAuthWithoutState {
		logger.Warn("⚠️  SECURITY WARNING: state parameter is OPTIONAL",
			"risk", "CSRF attacks against the client's redirect endpoint",
			"recommendation", "Set AllowInsecureAuthWithoutState=false")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

// Validate checks the configuration after defaults have been applied
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	if u.Scheme != SchemeHTTPS {
		if u.Scheme != SchemeHTTP {
			return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", u.Scheme)
		}
		if !util.IsLoopbackHostname(u.Hostname()) && !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS outside localhost (got %s); set AllowInsecureHTTP for development", c.Issuer)
		}
	}

	if c.AuthorizationCodeTTL < 0 || c.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		return fmt.Errorf("authorization code TTL must be between 1 and %d seconds", MaxAuthorizationCodeTTL)
	}
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 || c.PendingAuthorizationTTL < 0 {
		return errors.New("TTLs must not be negative")
	}
	if c.StoreRetryAttempts < 1 {
		return errors.New("store retry attempts must be at least 1")
	}
	if len(c.StateSecret) > 0 && len(c.StateSecret) < 32 {
		return errors.New("state secret must be at least 32 bytes")
	}
	for _, scope := range c.SupportedScopes {
		if err := validateScopeToken(scope); err != nil {
			return fmt.Errorf("supported scope %q: %w", scope, err)
		}
	}
	return nil
}

// validateScopeToken checks a single scope against RFC 6749 section 3.3:
// printable ASCII except space, double quote and backslash.
func validateScopeToken(scope string) error {
	if scope == "" {
		return errors.New("empty scope")
	}
	for _, c := range scope {
		if c < 0x21 || c > 0x7E || c == '"' || c == '\\' {
			return fmt.Errorf("invalid character %q", c)
		}
	}
	return nil
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) pendingTTL() time.Duration {
	return time.Duration(c.PendingAuthorizationTTL) * time.Second
}
