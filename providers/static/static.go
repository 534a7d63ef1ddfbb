// Package static provides a development login collaborator that signs
// every user in as one fixed identity.
//
// It performs no authentication at all. The login URL points straight back
// at the authorization callback, so the suspended flow resumes immediately.
// Never use it in production.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/storage"
)

// Config configures the static identity
type Config struct {
	// CallbackURL is the authorization server's callback endpoint.
	CallbackURL string `mapstructure:"callback_url"`

	Subject string `mapstructure:"subject"`
	Email   string `mapstructure:"email"`
	Name    string `mapstructure:"name"`

	// GrantedScopes limits consent. Empty grants every requested scope.
	GrantedScopes []string `mapstructure:"granted_scopes"`
}

// Provider is the static login collaborator
type Provider struct {
	callbackURL *url.URL
	identity    providers.Identity
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider validates cfg and creates the provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	u, err := url.Parse(cfg.CallbackURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("callback URL must be absolute: %q", cfg.CallbackURL)
	}

	return &Provider{
		callbackURL: u,
		identity: providers.Identity{
			Subject:       cfg.Subject,
			Email:         cfg.Email,
			EmailVerified: cfg.Email != "",
			Name:          cfg.Name,
			GrantedScopes: cfg.GrantedScopes,
		},
	}, nil
}

// Name returns "static"
func (p *Provider) Name() string { return "static" }

// LoginURL points back at the callback carrying state
func (p *Provider) LoginURL(_ context.Context, _ *storage.PendingAuthorization, state string) (string, error) {
	u := *p.callbackURL
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Authenticate returns the configured identity unless the callback carries
// an error parameter
func (p *Provider) Authenticate(_ context.Context, r *http.Request, _ *storage.PendingAuthorization) (*providers.Identity, error) {
	if err := providers.CallbackError(r); err != nil {
		return nil, err
	}
	id := p.identity
	if id.GrantedScopes != nil {
		id.GrantedScopes = append([]string(nil), id.GrantedScopes...)
	}
	return &id, nil
}
