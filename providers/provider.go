package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Osminogka/OAuthServer/storage"
)

var (
	// ErrLoginRequired means the user agent has not authenticated yet and
	// must be sent to the provider's login URL.
	ErrLoginRequired = errors.New("login required")

	// ErrAccessDenied means the user declined or was refused access.
	ErrAccessDenied = errors.New("access denied")
)

// Provider is the login collaborator that turns a suspended authorization
// request into an authenticated subject.
type Provider interface {
	// Name returns the provider name used in logs and metrics.
	Name() string

	// LoginURL returns where the user agent is sent to authenticate. The
	// provider must eventually return the user agent to the authorization
	// callback endpoint with state unmodified.
	LoginURL(ctx context.Context, pending *storage.PendingAuthorization, state string) (string, error)

	// Authenticate resolves the callback request for pending. It returns
	// ErrLoginRequired if the user still has to log in and ErrAccessDenied
	// if the user refused.
	Authenticate(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*Identity, error)
}

// SessionProvider is implemented by providers that can recognise an
// already authenticated user agent directly at the authorization endpoint,
// letting the flow skip the login round trip.
type SessionProvider interface {
	// CurrentIdentity returns ErrLoginRequired when the user agent carries
	// no usable session.
	CurrentIdentity(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*Identity, error)
}

// Identity is an authenticated resource owner.
type Identity struct {
	// Subject is the stable user identifier placed in the token "sub" claim.
	Subject string

	// GrantedScopes is the subset of requested scopes the user consented
	// to. Nil grants everything that was requested.
	GrantedScopes []string

	Email         string
	EmailVerified bool
	Name          string
}
