package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/storage"
)

// DefaultRequestTimeout bounds discovery and code exchange requests.
const DefaultRequestTimeout = 10 * time.Second

// Config configures the upstream identity provider
type Config struct {
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`

	// AllowInsecureIssuer skips issuer URL screening. Development and tests only.
	AllowInsecureIssuer bool `mapstructure:"allow_insecure_issuer"`

	// HTTPClient is used for all upstream requests. Defaults to a client
	// with DefaultRequestTimeout.
	HTTPClient *http.Client `mapstructure:"-"`

	Logger *slog.Logger `mapstructure:"-"`
}

// Provider authenticates users against an upstream OpenID Connect issuer
type Provider struct {
	oauth2Config *oauth2.Config
	verifier     *gooidc.IDTokenVerifier
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// NewProvider performs discovery against cfg.IssuerURL and creates the provider
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}
	if !cfg.AllowInsecureIssuer {
		if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return nil, err
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	discovered, err := gooidc.NewProvider(gooidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}

	logger.Info("Discovered upstream OIDC provider",
		"issuer", cfg.IssuerURL,
		"authorization_endpoint", discovered.Endpoint().AuthURL)

	return &Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     discovered.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier:   discovered.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name returns "oidc"
func (p *Provider) Name() string { return "oidc" }

// LoginURL returns the upstream authorization URL for pending
func (p *Provider) LoginURL(_ context.Context, pending *storage.PendingAuthorization, state string) (string, error) {
	if pending.ProviderCodeVerifier == "" {
		return "", errors.New("pending authorization has no upstream verifier")
	}
	return p.oauth2Config.AuthCodeURL(state,
		oauth2.S256ChallengeOption(pending.ProviderCodeVerifier),
		gooidc.Nonce(upstreamNonce(pending)),
	), nil
}

// Authenticate exchanges the upstream code and verifies the ID token
func (p *Provider) Authenticate(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*providers.Identity, error) {
	if err := providers.CallbackError(r); err != nil {
		return nil, err
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, providers.ErrLoginRequired
	}

	token, err := providers.ExchangeCodeWithPKCE(ctx, p.oauth2Config, p.httpClient, code, pending.ProviderCodeVerifier)
	if err != nil {
		return nil, err
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("upstream token response has no id_token")
	}

	idToken, err := p.verifier.Verify(gooidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	if idToken.Nonce != upstreamNonce(pending) {
		return nil, errors.New("ID token nonce mismatch")
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	return &providers.Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// upstreamNonce binds the ID token to the pending request. The verifier
// never leaves this server, so the derived nonce is unguessable.
func upstreamNonce(pending *storage.PendingAuthorization) string {
	sum := sha256.Sum256([]byte("nonce:" + pending.ID + ":" + pending.ProviderCodeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
