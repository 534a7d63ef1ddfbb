package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE exchanges an upstream authorization code, sending
// verifier when it is not empty. httpClient may be nil.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// CallbackError maps an "error" parameter returned by an upstream
// authorization server to a provider error. It returns nil when r carries
// no error.
func CallbackError(r *http.Request) error {
	switch e := r.URL.Query().Get("error"); e {
	case "":
		return nil
	case "access_denied", "consent_required", "interaction_required":
		return ErrAccessDenied
	case "login_required":
		return ErrLoginRequired
	default:
		return fmt.Errorf("upstream authorization failed: %s", e)
	}
}
