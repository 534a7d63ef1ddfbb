package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/Osminogka/OAuthServer"
	"github.com/Osminogka/OAuthServer/providers/oidc"
	"github.com/Osminogka/OAuthServer/providers/static"
	"github.com/Osminogka/OAuthServer/server"
	"github.com/Osminogka/OAuthServer/signing"
	"github.com/Osminogka/OAuthServer/storage"
)

// envPrefix is prepended to every environment override, e.g.
// OAUTHSERVER_STORAGE_TYPE=sql.
const envPrefix = "OAUTHSERVER"

// Storage back-ends
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
	StorageSQL    = "sql"
)

// Login collaborators
const (
	ProviderStatic = "static"
	ProviderOIDC   = "oidc"
)

// Config is the binary's configuration, read from a YAML file, the
// environment and flags.
type Config struct {
	Addr   string `mapstructure:"addr"`
	Issuer string `mapstructure:"issuer"`

	Log       LogConfig         `mapstructure:"log"`
	OAuth     OAuthConfig       `mapstructure:"oauth"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Keys      signing.KeyConfig `mapstructure:"keys"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Provider  ProviderConfig    `mapstructure:"provider"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`

	// Clients are registered at startup unless already present.
	Clients []ClientConfig `mapstructure:"clients"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// OAuthConfig mirrors server.Config. TTLs are in seconds.
type OAuthConfig struct {
	AuthorizationCodeTTL       int64    `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL             int64    `mapstructure:"access_token_ttl"`
	RefreshTokenTTL            int64    `mapstructure:"refresh_token_ttl"`
	PendingAuthorizationTTL    int64    `mapstructure:"pending_authorization_ttl"`
	AllowRefreshTokenRotation  bool     `mapstructure:"allow_refresh_token_rotation"`
	RequirePKCE                bool     `mapstructure:"require_pkce"`
	AllowPKCEPlain             bool     `mapstructure:"allow_pkce_plain"`
	AllowInsecureHTTP          bool     `mapstructure:"allow_insecure_http"`
	TrustProxy                 bool     `mapstructure:"trust_proxy"`
	TrustedProxyCount          int      `mapstructure:"trusted_proxy_count"`
	SupportedScopes            []string `mapstructure:"supported_scopes"`
	RevokedFamilyRetentionDays int64    `mapstructure:"revoked_family_retention_days"`
	Audit                      bool     `mapstructure:"audit"`

	// StateSecret must be at least 32 bytes and shared by every replica.
	StateSecret string `mapstructure:"state_secret"`
}

// HTTPConfig configures the listener and the per-IP rate limiter.
type HTTPConfig struct {
	RateLimit         int           `mapstructure:"rate_limit"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects and configures the storage back-end.
type StorageConfig struct {
	Type string `mapstructure:"type"`

	// EncryptionKey is a base64 32-byte key enabling encryption at rest of
	// provider code verifiers.
	EncryptionKey string `mapstructure:"encryption_key"`

	Valkey ValkeyConfig `mapstructure:"valkey"`
	SQL    SQLConfig    `mapstructure:"sql"`
}

// ValkeyConfig configures storage/valkey.
type ValkeyConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TLS       bool   `mapstructure:"tls"`
}

// SQLConfig configures storage/sqlstore.
type SQLConfig struct {
	Dialect         string        `mapstructure:"dialect"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ProviderConfig selects the login collaborator.
type ProviderConfig struct {
	Type   string        `mapstructure:"type"`
	Static static.Config `mapstructure:"static"`
	OIDC   oidc.Config   `mapstructure:"oidc"`
}

// TelemetryConfig configures the instrumentation package.
type TelemetryConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Prometheus        bool    `mapstructure:"prometheus"`
	MetricsPath       string  `mapstructure:"metrics_path"`
	OTLPEndpoint      string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure      bool    `mapstructure:"otlp_insecure"`
	TraceSamplingRate float64 `mapstructure:"trace_sampling_rate"`
	LogClientIPs      bool    `mapstructure:"log_client_ips"`
}

// ClientConfig describes a client seeded at startup.
type ClientConfig struct {
	ClientID                string   `mapstructure:"client_id"`
	ClientName              string   `mapstructure:"client_name"`
	ClientType              string   `mapstructure:"client_type"`
	TokenEndpointAuthMethod string   `mapstructure:"token_endpoint_auth_method"`
	ClientSecret            string   `mapstructure:"client_secret"`
	RedirectURIs            []string `mapstructure:"redirect_uris"`
	PostLogoutRedirectURIs  []string `mapstructure:"post_logout_redirect_uris"`
	Scopes                  []string `mapstructure:"scopes"`
	GrantTypes              []string `mapstructure:"grant_types"`
	RequirePKCE             bool     `mapstructure:"require_pkce"`
}

// Descriptor converts c for server.EnsureClientExists.
func (c ClientConfig) Descriptor() server.ClientDescriptor {
	return server.ClientDescriptor{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		ClientType:              c.ClientType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		ClientSecret:            c.ClientSecret,
		RedirectURIs:            c.RedirectURIs,
		PostLogoutRedirectURIs:  c.PostLogoutRedirectURIs,
		Scopes:                  c.Scopes,
		GrantTypes:              c.GrantTypes,
		RequirePKCE:             c.RequirePKCE,
	}
}

// DefaultClients is the seed used when the configuration lists none: the
// public single-page application client.
func DefaultClients() []ClientConfig {
	return []ClientConfig{{
		ClientID:                "spa-client",
		ClientName:              "SPA Client",
		ClientType:              storage.ClientTypePublic,
		TokenEndpointAuthMethod: "none",
		RedirectURIs:            []string{"http://localhost:8080/callback"},
		PostLogoutRedirectURIs:  []string{"http://localhost:8080/"},
		Scopes:                  []string{"email", "profile", "api"},
		RequirePKCE:             true,
	}}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("issuer", "http://localhost:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("oauth.authorization_code_ttl", 600)
	v.SetDefault("oauth.access_token_ttl", 3600)
	v.SetDefault("oauth.refresh_token_ttl", 7776000)
	v.SetDefault("oauth.pending_authorization_ttl", 600)
	v.SetDefault("oauth.allow_refresh_token_rotation", true)
	v.SetDefault("oauth.require_pkce", true)
	v.SetDefault("oauth.allow_pkce_plain", false)
	v.SetDefault("oauth.allow_insecure_http", false)
	v.SetDefault("oauth.trust_proxy", false)
	v.SetDefault("oauth.trusted_proxy_count", 1)
	v.SetDefault("oauth.supported_scopes", []string{"openid", "email", "profile", "api"})
	v.SetDefault("oauth.revoked_family_retention_days", storage.DefaultRevokedFamilyRetentionDays)
	v.SetDefault("oauth.audit", true)
	v.SetDefault("oauth.state_secret", "")

	v.SetDefault("http.rate_limit", oauth.DefaultRateLimit)
	v.SetDefault("http.rate_limit_burst", oauth.DefaultRateLimitBurst)
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("keys.key_dir", "")
	v.SetDefault("keys.signing_key_file", "")
	v.SetDefault("keys.grace_period", 24*time.Hour)
	v.SetDefault("keys.algorithm", string(signing.DefaultAlgorithm))

	v.SetDefault("storage.type", StorageMemory)
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.valkey.address", "localhost:6379")
	v.SetDefault("storage.valkey.password", "")
	v.SetDefault("storage.valkey.db", 0)
	v.SetDefault("storage.valkey.key_prefix", "oauth:")
	v.SetDefault("storage.valkey.tls", false)
	v.SetDefault("storage.sql.dialect", "sqlite")
	v.SetDefault("storage.sql.dsn", "oauthserver.db")
	v.SetDefault("storage.sql.cleanup_interval", time.Minute)

	v.SetDefault("provider.type", ProviderStatic)
	v.SetDefault("provider.static.subject", "dev-user")
	v.SetDefault("provider.static.email", "dev-user@localhost")
	v.SetDefault("provider.static.name", "Development User")
	v.SetDefault("provider.oidc.issuer_url", "")
	v.SetDefault("provider.oidc.client_id", "")
	v.SetDefault("provider.oidc.client_secret", "")
	v.SetDefault("provider.oidc.scopes", []string{"openid", "email", "profile"})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.prometheus", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.trace_sampling_rate", 1.0)
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"addr":         "addr",
	"issuer":       "issuer",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"storage":      "storage.type",
	"database-dsn": "storage.sql.dsn",
}

// loadConfig reads configuration with the usual viper precedence: flags,
// environment, file, defaults.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if !v.IsSet("clients") {
		cfg.Clients = DefaultClients()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the choices the sub-packages do not check themselves.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	switch c.Storage.Type {
	case StorageMemory, StorageValkey, StorageSQL:
	default:
		return fmt.Errorf("unknown storage type %q (want memory, valkey or sql)", c.Storage.Type)
	}
	switch c.Provider.Type {
	case ProviderStatic, ProviderOIDC:
	default:
		return fmt.Errorf("unknown provider type %q (want static or oidc)", c.Provider.Type)
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
	}
	return nil
}

// ServerConfig builds the protocol configuration.
func (c *Config) ServerConfig() *server.Config {
	cfg := &server.Config{
		Issuer:                     c.Issuer,
		AuthorizationCodeTTL:       c.OAuth.AuthorizationCodeTTL,
		AccessTokenTTL:             c.OAuth.AccessTokenTTL,
		RefreshTokenTTL:            c.OAuth.RefreshTokenTTL,
		PendingAuthorizationTTL:    c.OAuth.PendingAuthorizationTTL,
		AllowRefreshTokenRotation:  c.OAuth.AllowRefreshTokenRotation,
		RequirePKCE:                c.OAuth.RequirePKCE,
		AllowPKCEPlain:             c.OAuth.AllowPKCEPlain,
		AllowInsecureHTTP:          c.OAuth.AllowInsecureHTTP,
		TrustProxy:                 c.OAuth.TrustProxy,
		TrustedProxyCount:          c.OAuth.TrustedProxyCount,
		SupportedScopes:            c.OAuth.SupportedScopes,
		RevokedFamilyRetentionDays: c.OAuth.RevokedFamilyRetentionDays,
	}
	if c.OAuth.StateSecret != "" {
		cfg.StateSecret = []byte(c.OAuth.StateSecret)
	}
	return cfg
}

// HandlerConfig builds the HTTP surface configuration.
func (c *Config) HandlerConfig() *oauth.Config {
	return &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:  c.HTTP.RateLimit,
			Burst: c.HTTP.RateLimitBurst,
		},
	}
}
