package oauth

import (
	"strings"
)

// Default endpoint paths, relative to the issuer.
const (
	DefaultAuthorizationPath = "/oauth/authorize"
	DefaultCallbackPath      = "/oauth/callback"
	DefaultTokenPath         = "/oauth/token"
	DefaultUserInfoPath      = "/oauth/userinfo"
	DefaultEndSessionPath    = "/oauth/logout"
	DefaultJWKSPath          = "/.well-known/jwks.json"

	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath         = "/.well-known/openid-configuration"
)

const (
	// DefaultMaxRequestBodyBytes bounds form bodies posted to the token endpoint.
	DefaultMaxRequestBodyBytes = 64 << 10

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age of discovery
	// documents and the JWKS, in seconds.
	DefaultDiscoveryCacheMaxAge = 3600

	DefaultRateLimit           = 10
	DefaultRateLimitBurst      = 20
	DefaultRateLimitMaxEntries = 10000
)

// RateLimitConfig configures the per-IP limiter in front of the token and
// discovery endpoints.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second per IP.
	// Negative disables rate limiting.
	Rate int

	// Burst is the number of requests allowed above Rate at once.
	Burst int

	// MaxEntries bounds the number of tracked IPs (LRU eviction).
	MaxEntries int
}

// Config holds the HTTP surface configuration. Everything protocol related
// lives in server.Config.
type Config struct {
	AuthorizationPath string
	CallbackPath      string
	TokenPath         string
	UserInfoPath      string
	EndSessionPath    string
	JWKSPath          string

	RateLimit RateLimitConfig

	// MaxRequestBodyBytes bounds token endpoint request bodies
	// Default: 64 KiB
	MaxRequestBodyBytes int64

	// DiscoveryCacheMaxAge in seconds
	// Default: 3600
	DiscoveryCacheMaxAge int
}

func (c *Config) applyDefaults() {
	if c.AuthorizationPath == "" {
		c.AuthorizationPath = DefaultAuthorizationPath
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.UserInfoPath == "" {
		c.UserInfoPath = DefaultUserInfoPath
	}
	if c.EndSessionPath == "" {
		c.EndSessionPath = DefaultEndSessionPath
	}
	if c.JWKSPath == "" {
		c.JWKSPath = DefaultJWKSPath
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRateLimit
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.MaxEntries == 0 {
		c.RateLimit.MaxEntries = DefaultRateLimitMaxEntries
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.DiscoveryCacheMaxAge <= 0 {
		c.DiscoveryCacheMaxAge = DefaultDiscoveryCacheMaxAge
	}
}

// endpointURL joins issuer and path without doubling the slash.
func endpointURL(issuer, path string) string {
	return strings.TrimSuffix(issuer, "/") + "/" + strings.TrimPrefix(path, "/")
}
