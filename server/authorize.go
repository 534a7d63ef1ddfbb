package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/pkce"
	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// AuthorizationRequest carries the parameters of an authorization endpoint request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizationResult tells the caller where to send the user agent next.
type AuthorizationResult struct {
	// RedirectURL is the login collaborator's URL when LoginRequired is
	// set, otherwise the client's redirect URI carrying code and state.
	RedirectURL   string
	LoginRequired bool

	// Code and ClientState are set once a code has been issued.
	Code        string
	ClientState string
}

// AuthorizationError is a failure that happened after the redirect URI
// was validated. The handler reports it by redirecting the user agent to
// RedirectURL(). Failures before that point are returned as plain errors
// and must be rendered directly.
type AuthorizationError struct {
	Err         error
	Code        string
	Description string
	RedirectURI string
	State       string
	Issuer      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// RedirectURL builds the error redirect (RFC 6749 section 4.1.2.1).
func (e *AuthorizationError) RedirectURL() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if e.Issuer != "" {
		params.Set("iss", e.Issuer)
	}
	return appendQuery(e.RedirectURI, params)
}

// CodeRequest describes an authorization code to issue.
type CodeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// StartAuthorization runs the authorization endpoint state machine:
// client, redirect URI, PKCE parameters and scope are validated in that
// order. The request is then either completed at once (when the provider
// recognises an existing session) or suspended: it is persisted as a
// pending authorization and the user agent is sent to the login
// collaborator with a signed state. r may be nil for non-HTTP callers.
func (s *Server) StartAuthorization(ctx context.Context, r *http.Request, req *AuthorizationRequest) (_ *AuthorizationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.StartAuthorization")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		}
	}()

	// ClientValidated
	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) && s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", ErrorCodeInvalidClient)
		}
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", req.Scope)

	// RedirectUriValidated. Until this passes nothing may redirect.
	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if err := s.ValidateRedirectURI(client, redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: client.ClientID,
				Details: map[string]any{
					"redirect_uri": sanitizeURIForLogging(redirectURI),
				},
			})
		}
		return nil, err
	}

	fail := func(sentinel error, code, description string) error {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", code)
		}
		return &AuthorizationError{
			Err:         sentinel,
			Code:        code,
			Description: description,
			RedirectURI: redirectURI,
			State:       req.State,
			Issuer:      s.Config.Issuer,
		}
	}

	if req.ResponseType != "code" {
		return nil, fail(ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, fail(ErrUnauthorizedClient, ErrorCodeUnauthorizedClient, "client is not allowed to use the authorization code grant")
	}
	if req.State == "" && !s.Config.AllowInsecureAuthWithoutState {
		return nil, fail(ErrInvalidRequest, ErrorCodeInvalidRequest, "state parameter is required")
	}

	// PkceParamsValidated
	method, err := s.validatePKCEParams(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return nil, fail(ErrInvalidRequest, ErrorCodeInvalidRequest, err.Error())
	}

	scope, err := s.resolveRequestedScope(client, req.Scope)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				ClientID: client.ClientID,
				Details: map[string]any{
					"requested_scope": req.Scope,
				},
			})
		}
		return nil, fail(ErrInvalidScope, ErrorCodeInvalidScope, "requested scope is not allowed for this client")
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationFlowStarted,
			ClientID: client.ClientID,
			Details: map[string]any{
				"scope":                 scope,
				"code_challenge_method": method,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	now := time.Now()
	pending := &storage.PendingAuthorization{
		ID:                   uuid.NewString(),
		ClientID:             client.ClientID,
		RedirectURI:          redirectURI,
		Scope:                scope,
		State:                req.State,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  method,
		Nonce:                req.Nonce,
		ProviderCodeVerifier: generateRandomToken(),
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.Config.pendingTTL()),
	}

	if sp, ok := s.provider.(providers.SessionProvider); ok && r != nil {
		identity, err := sp.CurrentIdentity(ctx, r, pending)
		switch {
		case err == nil:
			return s.completeAuthorization(ctx, client, pending, identity)
		case errors.Is(err, providers.ErrAccessDenied):
			s.logAccessDenied(client.ClientID)
			return nil, fail(ErrAccessDenied, ErrorCodeAccessDenied, "the resource owner denied the request")
		case !errors.Is(err, providers.ErrLoginRequired):
			s.Logger.Debug("Session lookup failed, falling back to login",
				"provider", s.provider.Name(),
				"error", err)
		}
	}

	// LoginPending
	loginURL, err := s.suspend(ctx, pending)
	if err != nil {
		return nil, s.internalAuthorizationError(err, redirectURI, req.State)
	}
	return &AuthorizationResult{RedirectURL: loginURL, LoginRequired: true}, nil
}

// ResumeAuthorization handles the return of the user agent from the login
// collaborator. state must be the signed value handed out by
// StartAuthorization; it is single use.
func (s *Server) ResumeAuthorization(ctx context.Context, r *http.Request, state string) (_ *AuthorizationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.ResumeAuthorization")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		}
	}()

	pendingID, err := s.stateSigner.Verify(state)
	if err != nil {
		s.logInvalidFlowState("state_verification_failed", err)
		return nil, ErrInvalidFlowState
	}

	// Consuming is not retried: a lost reply would make a retry miss.
	pending, err := storeCall(ctx, s, "consume_pending_authorization", noRetry, func(ctx context.Context) (*storage.PendingAuthorization, error) {
		return s.flowStore.ConsumePendingAuthorization(ctx, pendingID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
			s.logInvalidFlowState("pending_authorization_not_found", err)
			return nil, ErrInvalidFlowState
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(pending.ProviderState), []byte(state)) != 1 ||
		security.IsTokenExpiredWithGracePeriod(pending.ExpiresAt, 0) {
		s.logInvalidFlowState("state_mismatch", nil)
		return nil, ErrInvalidFlowState
	}

	client, err := s.GetClient(ctx, pending.ClientID)
	if err != nil {
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", pending.Scope)

	start := time.Now()
	identity, err := s.provider.Authenticate(ctx, r, pending)
	s.recordProviderLogin(ctx, err, start)

	switch {
	case err == nil:
		return s.completeAuthorization(ctx, client, pending, identity)

	case errors.Is(err, providers.ErrLoginRequired):
		// Still not logged in: suspend again under a new ID and state but
		// the original deadline. The spent state can no longer find it.
		pending.ID = uuid.NewString()
		loginURL, err := s.suspend(ctx, pending)
		if err != nil {
			return nil, s.internalAuthorizationError(err, pending.RedirectURI, pending.State)
		}
		s.recordResumed(ctx, client.ClientID, "login_required")
		return &AuthorizationResult{RedirectURL: loginURL, LoginRequired: true}, nil

	case errors.Is(err, providers.ErrAccessDenied):
		s.logAccessDenied(client.ClientID)
		s.recordResumed(ctx, client.ClientID, "denied")
		return nil, &AuthorizationError{
			Err:         ErrAccessDenied,
			Code:        ErrorCodeAccessDenied,
			Description: "the resource owner denied the request",
			RedirectURI: pending.RedirectURI,
			State:       pending.State,
			Issuer:      s.Config.Issuer,
		}

	default:
		s.Logger.Error("Login provider failed to authenticate user",
			"provider", s.provider.Name(),
			"client_id", client.ClientID,
			"error", err)
		s.recordResumed(ctx, client.ClientID, "error")
		return nil, s.internalAuthorizationError(err, pending.RedirectURI, pending.State)
	}
}

// IssueAuthorizationCode creates and persists a single-use authorization
// code. The request is validated against the client registry: the
// redirect URI must be registered, the scopes allowed, and clients that
// require PKCE must supply a challenge.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req CodeRequest) (string, error) {
	if req.ClientID == "" || req.UserID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("%w: client_id, subject and redirect_uri are required", ErrInvalidRequest)
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if err := s.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return "", err
	}
	if req.CodeChallenge == "" && s.PKCERequired(client) {
		return "", fmt.Errorf("%w: client requires PKCE", ErrInvalidRequest)
	}
	if req.CodeChallenge != "" {
		if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod, s.Config.AllowPKCEPlain); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if !util.ScopesSubset(util.ParseScopes(req.Scope), client.Scopes) {
		return "", ErrScopeNotGranted
	}

	// The code is generated inside the retried closure so that a retry
	// never re-saves a value that may already have been stored.
	code, err := storeCall(ctx, s, "save_authorization_code", retryIdempotent, func(ctx context.Context) (string, error) {
		now := time.Now()
		record := &storage.AuthorizationCode{
			Code:                generateRandomToken(),
			ClientID:            client.ClientID,
			RedirectURI:         req.RedirectURI,
			Scope:               req.Scope,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			UserID:              req.UserID,
			Nonce:               req.Nonce,
			CreatedAt:           now,
			ExpiresAt:           now.Add(s.Config.codeTTL()),
		}
		return record.Code, s.flowStore.SaveAuthorizationCode(ctx, record)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   req.UserID,
			ClientID: client.ClientID,
			Details: map[string]any{
				"scope": req.Scope,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, client.ClientID)
	}

	return code, nil
}

// completeAuthorization issues the code for an authenticated identity and
// builds the redirect back to the client.
func (s *Server) completeAuthorization(ctx context.Context, client *storage.Client, pending *storage.PendingAuthorization, identity *providers.Identity) (*AuthorizationResult, error) {
	if identity == nil || identity.Subject == "" {
		return nil, s.internalAuthorizationError(errors.New("provider returned no subject"), pending.RedirectURI, pending.State)
	}

	scope := grantedScope(pending.Scope, identity.GrantedScopes)

	code, err := s.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:            client.ClientID,
		UserID:              identity.Subject,
		RedirectURI:         pending.RedirectURI,
		Scope:               scope,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
	})
	if err != nil {
		return nil, s.internalAuthorizationError(err, pending.RedirectURI, pending.State)
	}
	s.recordResumed(ctx, client.ClientID, "code_issued")

	params := url.Values{}
	params.Set("code", code)
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	params.Set("iss", s.Config.Issuer)

	return &AuthorizationResult{
		RedirectURL: appendQuery(pending.RedirectURI, params),
		Code:        code,
		ClientState: pending.State,
	}, nil
}

// suspend persists pending under a freshly signed state and returns the
// login collaborator's URL.
func (s *Server) suspend(ctx context.Context, pending *storage.PendingAuthorization) (string, error) {
	state, err := s.stateSigner.Sign(pending.ID)
	if err != nil {
		return "", fmt.Errorf("failed to sign flow state: %w", err)
	}
	pending.ProviderState = state

	err = storeExec(ctx, s, "save_pending_authorization", retryIdempotent, func(ctx context.Context) error {
		return s.flowStore.SavePendingAuthorization(ctx, pending)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}

	loginURL, err := s.provider.LoginURL(ctx, pending, state)
	if err != nil {
		return "", fmt.Errorf("failed to build login URL: %w", err)
	}
	return loginURL, nil
}

// validatePKCEParams checks the PKCE parameters of an authorization
// request and returns the effective method. A missing method means plain
// (RFC 7636 section 4.3), which is rejected unless AllowPKCEPlain is set.
func (s *Server) validatePKCEParams(client *storage.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", errors.New("code_challenge_method without code_challenge")
		}
		if s.PKCERequired(client) {
			return "", errors.New("code_challenge is required")
		}
		return "", nil
	}

	if method == "" {
		method = pkce.MethodPlain
	}
	if err := pkce.ValidateChallenge(challenge, method, s.Config.AllowPKCEPlain); err != nil {
		return "", err
	}
	if method == pkce.MethodPlain {
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"client_id", client.ClientID,
			"recommendation", "Upgrade client to use S256")
	}
	return method, nil
}

// PKCERequired reports whether client must use PKCE. Public clients
// always must.
func (s *Server) PKCERequired(client *storage.Client) bool {
	return client.IsPublic() || client.RequirePKCE || s.Config.RequirePKCE
}

// resolveRequestedScope applies the client's default scopes to an empty
// request and checks each scope against the client and server allow lists.
func (s *Server) resolveRequestedScope(client *storage.Client, scope string) (string, error) {
	requested := util.ParseScopes(scope)
	if len(requested) == 0 {
		return util.FormatScopes(client.Scopes), nil
	}
	if !util.ScopesSubset(requested, client.Scopes) {
		return "", ErrInvalidScope
	}
	if len(s.Config.SupportedScopes) > 0 && !util.ScopesSubset(requested, s.Config.SupportedScopes) {
		return "", ErrInvalidScope
	}
	return util.FormatScopes(requested), nil
}

// grantedScope narrows requested to what the user granted. A nil grant
// list keeps everything; scopes that were never requested are ignored.
func grantedScope(requested string, granted []string) string {
	scopes := util.ParseScopes(requested)
	if granted == nil {
		return util.FormatScopes(scopes)
	}
	kept := scopes[:0]
	for _, scope := range scopes {
		if slices.Contains(granted, scope) {
			kept = append(kept, scope)
		}
	}
	return util.FormatScopes(kept)
}

func (s *Server) internalAuthorizationError(err error, redirectURI, state string) *AuthorizationError {
	code := ErrorCodeServerError
	description := "the authorization server encountered an unexpected condition"
	if IsTransient(err) {
		code = ErrorCodeTemporarilyUnavailable
		description = "the authorization server is temporarily unavailable"
	}
	s.Logger.Error("Authorization request failed", "error", err)
	return &AuthorizationError{
		Err:         err,
		Code:        code,
		Description: description,
		RedirectURI: redirectURI,
		State:       state,
		Issuer:      s.Config.Issuer,
	}
}

func (s *Server) logAccessDenied(clientID string) {
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAccessDenied,
			ClientID: clientID,
		})
	}
}

func (s *Server) logInvalidFlowState(reason string, err error) {
	if s.shouldLogSecurityEvent("invalid_flow_state") {
		s.Logger.Warn("Rejected authorization callback", "reason", reason, "error", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type: security.EventInvalidFlowState,
			Details: map[string]any{
				"reason": reason,
			},
		})
	}
}

func (s *Server) recordProviderLogin(ctx context.Context, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, providers.ErrLoginRequired):
		outcome = "login_required"
	case errors.Is(err, providers.ErrAccessDenied):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	s.metrics.RecordProviderLogin(ctx, s.provider.Name(), outcome, durationMs)
}

func (s *Server) recordResumed(ctx context.Context, clientID, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAuthorizationResumed(ctx, clientID, outcome)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("oauth.authorization.outcome", outcome))
}

// appendQuery adds params to rawURL, keeping any query it already has.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
