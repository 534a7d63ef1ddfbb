package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Osminogka/OAuthServer/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or exceeds the grant
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrTemporarilyUnavailable indicates the backing store is down; the client may retry
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrInvalidToken indicates a missing, expired or forged bearer token (RFC 6750)
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// tokenError maps an error from the token flows to the response sent to
// the client. Descriptions are fixed strings so internal details never
// reach the wire.
func tokenError(err error) *OAuthError {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case server.IsTransient(err):
		return ErrTemporarilyUnavailable("The service is temporarily unavailable, retry later")
	case errors.Is(err, server.ErrScopeNotGranted):
		return ErrInvalidScope("Requested scope exceeds the original grant")
	case errors.Is(err, server.ErrTokenNotFound),
		errors.Is(err, server.ErrTokenExpired),
		errors.Is(err, server.ErrTokenRevoked),
		errors.Is(err, server.ErrReuseDetected):
		return ErrInvalidGrant("Refresh token is invalid, expired or revoked")
	case server.IsGrantError(err):
		return ErrInvalidGrant("Authorization code is invalid or expired")
	case errors.Is(err, server.ErrUnauthorizedClient):
		return ErrUnauthorizedClient("Client is not authorized to use this grant type")
	case errors.Is(err, server.ErrClientNotFound), errors.Is(err, server.ErrInvalidClientCredentials):
		return ErrInvalidClient("Client authentication failed")
	default:
		return ErrServerError("Internal server error")
	}
}

// directError maps an authorization endpoint failure that cannot be
// redirected (the redirect URI was never validated).
func directError(err error) *OAuthError {
	switch {
	case server.IsTransient(err):
		return ErrTemporarilyUnavailable("The service is temporarily unavailable, retry later")
	case errors.Is(err, server.ErrClientNotFound):
		return ErrInvalidRequest("Unknown client")
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return ErrInvalidRequest("Missing or unregistered redirect_uri")
	case errors.Is(err, server.ErrInvalidFlowState):
		return ErrInvalidRequest("Authorization state is invalid or expired")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("Invalid authorization request")
	case server.IsClientError(err):
		return ErrInvalidRequest("Invalid client")
	default:
		return ErrServerError("Internal server error")
	}
}

// endSessionError maps a sign-out failure. None of them may redirect: the
// post-logout redirect URI is either unverified or the cause.
func endSessionError(err error) *OAuthError {
	switch {
	case server.IsTransient(err):
		return ErrTemporarilyUnavailable("The service is temporarily unavailable, retry later")
	case errors.Is(err, server.ErrInvalidAccessToken):
		return ErrInvalidRequest("id_token_hint is invalid or expired")
	case errors.Is(err, server.ErrClientMismatch):
		return ErrInvalidRequest("id_token_hint was issued to another client")
	case errors.Is(err, server.ErrClientNotFound):
		return ErrInvalidRequest("Unknown client")
	case errors.Is(err, server.ErrInvalidPostLogoutRedirectURI):
		return ErrInvalidRequest("post_logout_redirect_uri is not registered for the client")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("client_id or id_token_hint is required with post_logout_redirect_uri")
	default:
		return ErrServerError("Internal server error")
	}
}
