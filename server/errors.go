package server

import (
	"errors"
)

// Client errors are surfaced to the caller and never retried.
var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidRedirectURI       = errors.New("invalid redirect URI")
	ErrDuplicateClient          = errors.New("client already exists")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
	ErrUnauthorizedClient       = errors.New("client is not authorized for this grant")
	ErrInvalidClientMetadata    = errors.New("invalid client metadata")
)

// Grant errors mean the presented grant is unusable. The caller has to
// restart the flow; the core never retries them.
var (
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrCodeAlreadyUsed     = errors.New("authorization code already used")
	ErrPKCEMismatch        = errors.New("PKCE verification failed")
	ErrRedirectURIMismatch = errors.New("redirect URI does not match authorization request")
	ErrClientMismatch      = errors.New("grant was issued to another client")
	ErrScopeNotGranted     = errors.New("scope not granted")
	ErrTokenNotFound       = errors.New("refresh token not found")
	ErrTokenExpired        = errors.New("refresh token expired")
	ErrTokenRevoked        = errors.New("refresh token revoked")
	ErrReuseDetected       = errors.New("refresh token reuse detected")
)

// Authorization request errors.
var (
	ErrInvalidRequest          = errors.New("invalid authorization request")
	ErrUnsupportedResponseType = errors.New("unsupported response type")
	ErrInvalidScope            = errors.New("invalid scope")
	ErrAccessDenied            = errors.New("access denied")
	ErrInvalidFlowState        = errors.New("invalid or expired authorization state")
)

// Bearer token and sign-out errors.
var (
	ErrInvalidAccessToken           = errors.New("invalid access token")
	ErrInvalidPostLogoutRedirectURI = errors.New("invalid post-logout redirect URI")
)

// ErrTransientStore wraps storage failures that survived bounded retries.
var ErrTransientStore = errors.New("storage temporarily unavailable")

var clientErrors = []error{
	ErrClientNotFound,
	ErrInvalidRedirectURI,
	ErrDuplicateClient,
	ErrInvalidClientCredentials,
	ErrUnauthorizedClient,
	ErrInvalidClientMetadata,
}

var grantErrors = []error{
	ErrCodeNotFound,
	ErrCodeExpired,
	ErrCodeAlreadyUsed,
	ErrPKCEMismatch,
	ErrRedirectURIMismatch,
	ErrClientMismatch,
	ErrScopeNotGranted,
	ErrTokenNotFound,
	ErrTokenExpired,
	ErrTokenRevoked,
	ErrReuseDetected,
}

// IsClientError reports whether err concerns client identity or registration.
func IsClientError(err error) bool {
	return isAny(err, clientErrors)
}

// IsGrantError reports whether err means the presented code or token is unusable.
func IsGrantError(err error) bool {
	return isAny(err, grantErrors)
}

// IsSecurityEvent reports whether err came from detected credential reuse.
// Revocation has already happened by the time such an error is returned.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrCodeAlreadyUsed) || errors.Is(err, ErrReuseDetected)
}

// IsTransient reports whether err is a storage outage the caller may retry later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// OAuth 2.0 error codes (RFC 6749 sections 4.1.2.1 and 5.2).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"

	// ErrorCodeInvalidToken is the bearer token error (RFC 6750 section 3.1).
	ErrorCodeInvalidToken = "invalid_token"
)

// ErrorCode maps an error returned by Server to its OAuth error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTransient(err):
		return ErrorCodeTemporarilyUnavailable
	case errors.Is(err, ErrScopeNotGranted), errors.Is(err, ErrInvalidScope):
		return ErrorCodeInvalidScope
	case IsGrantError(err):
		return ErrorCodeInvalidGrant
	case errors.Is(err, ErrClientNotFound), errors.Is(err, ErrInvalidClientCredentials):
		return ErrorCodeInvalidClient
	case errors.Is(err, ErrUnauthorizedClient):
		return ErrorCodeUnauthorizedClient
	case errors.Is(err, ErrUnsupportedResponseType):
		return ErrorCodeUnsupportedResponseType
	case errors.Is(err, ErrAccessDenied):
		return ErrorCodeAccessDenied
	case errors.Is(err, ErrInvalidAccessToken):
		return ErrorCodeInvalidToken
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidRedirectURI),
		errors.Is(err, ErrInvalidPostLogoutRedirectURI),
		errors.Is(err, ErrInvalidFlowState),
		errors.Is(err, ErrInvalidClientMetadata):
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeServerError
	}
}
