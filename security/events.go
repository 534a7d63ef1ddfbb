package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued from an authorization code
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when tokens are refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventAllTokensRevoked is logged when all tokens for a user+client pair are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization request is accepted
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventAccessDenied is logged when the resource owner or login collaborator denies a request
	EventAccessDenied = "access_denied"

	// EventSessionEnded is logged when a user signs out at the end-session endpoint
	EventSessionEnded = "session_ended"

	// Client registry events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventRevokedTokenFamilyReuseAttempt is logged when a token from a revoked family is presented
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes it was not granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInvalidFlowState is logged when a callback carries a forged or expired state
	EventInvalidFlowState = "invalid_flow_state"
)

// isAlertEvent reports whether an event indicates a probable attack and
// should be logged at warning level.
func isAlertEvent(eventType string) bool {
	switch eventType {
	case EventAuthorizationCodeReuseDetected,
		EventRefreshTokenReuseDetected,
		EventRevokedTokenFamilyReuseAttempt,
		EventAllTokensRevoked,
		EventInvalidFlowState:
		return true
	default:
		return false
	}
}
