package server

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/security"
)

// UserInfo is what the userinfo endpoint reveals about the subject of a
// bearer access token. Profile claims are not persisted, so the subject is
// all there is.
type UserInfo struct {
	Subject  string
	ClientID string
	Scope    string
}

// UserInfo validates a bearer access token against the key set and returns
// its subject. Tokens signed by a key still in its grace period verify.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	_, span := s.tracer.Start(ctx, "server.UserInfo")
	defer span.End()

	if accessToken == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrInvalidAccessToken)
	}
	claims, err := s.keys.Verify(accessToken, s.Config.Audience)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.Debug("Bearer token rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	span.SetAttributes(attribute.String(instrumentation.AttrClientID, claims.ClientID))
	return &UserInfo{
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
	}, nil
}

// EndSessionRequest is a sign-out request (OpenID Connect RP-Initiated
// Logout). Every field is optional.
type EndSessionRequest struct {
	ClientID              string
	PostLogoutRedirectURI string
	State                 string

	// TokenHint is an access token issued by this server. It identifies the
	// user whose refresh tokens for the client are revoked.
	TokenHint string

	ClientIP string
}

// EndSessionResult tells the caller where to send the user agent.
type EndSessionResult struct {
	// RedirectURL is empty when no post-logout redirect was requested.
	RedirectURL string

	Subject       string
	TokensRevoked int
}

// EndSession signs the user out. A post_logout_redirect_uri must match one
// registered for the client exactly; it is checked before anything is
// revoked. With a valid token hint every refresh token family of that
// user and client is revoked.
func (s *Server) EndSession(ctx context.Context, req EndSessionRequest) (*EndSessionResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.EndSession")
	defer span.End()

	var subject string
	if req.TokenHint != "" {
		claims, err := s.keys.Verify(req.TokenHint, s.Config.Audience)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("%w: token hint: %v", ErrInvalidAccessToken, err)
		}
		if req.ClientID == "" {
			req.ClientID = claims.ClientID
		} else if req.ClientID != claims.ClientID {
			return nil, ErrClientMismatch
		}
		subject = claims.Subject
	}

	result := &EndSessionResult{Subject: subject}

	if req.PostLogoutRedirectURI != "" {
		if req.ClientID == "" {
			return nil, fmt.Errorf("%w: client_id or id_token_hint is required with post_logout_redirect_uri", ErrInvalidRequest)
		}
		client, err := s.GetClient(ctx, req.ClientID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(client.PostLogoutRedirectURIs, req.PostLogoutRedirectURI) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventInvalidRedirect,
					ClientID:  req.ClientID,
					IPAddress: req.ClientIP,
					Details:   map[string]any{"parameter": "post_logout_redirect_uri"},
				})
			}
			return nil, ErrInvalidPostLogoutRedirectURI
		}

		result.RedirectURL = req.PostLogoutRedirectURI
		if req.State != "" {
			result.RedirectURL = appendQuery(req.PostLogoutRedirectURI, url.Values{"state": {req.State}})
		}
	}

	if subject != "" {
		revoked, err := storeCall(ctx, s, "revoke_all_tokens_for_user_client", retryIdempotent, func(ctx context.Context) (int, error) {
			return s.tokenStore.RevokeAllTokensForUserClient(ctx, subject, req.ClientID)
		})
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("failed to revoke tokens: %w", err)
		}
		result.TokensRevoked = revoked
		if s.metrics != nil {
			s.metrics.RecordTokensRevoked(ctx, "end_session", revoked)
		}
	}

	s.Logger.Info("Session ended",
		"client_id", req.ClientID,
		"subject_known", subject != "",
		"tokens_revoked", result.TokensRevoked,
		"redirect", result.RedirectURL != "")
	if s.Auditor != nil {
		s.Auditor.LogSessionEnded(subject, req.ClientID, req.ClientIP, result.TokensRevoked)
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}
