package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/pkce"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/signing"
	"github.com/Osminogka/OAuthServer/storage"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// tokenIDLogLength is how much of a code or token may appear in logs.
const tokenIDLogLength = 8

// TokenRequest is an authorization_code grant from an authenticated client.
type TokenRequest struct {
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// RefreshRequest is a refresh_token grant from an authenticated client.
// Scope, when set, narrows the access token to a subset of the original grant.
type RefreshRequest struct {
	ClientID     string
	RefreshToken string
	Scope        string
	ClientIP     string
}

// TokenResult is a successful token response.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    time.Time
	RefreshToken string
	Scope        string
	Subject      string
	ClientID     string
}

// ExchangeAuthorizationCode redeems a code for tokens: atomic redeem,
// client and redirect URI cross-checks, PKCE verification, scope check
// against the client registry, then minting.
//
// A code that was already redeemed is treated as stolen: every refresh
// token of that user and client is revoked before ErrCodeAlreadyUsed is
// returned (OAuth 2.1 section 4.1.2).
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (_ *TokenResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		}
	}()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	// SECURITY: the check and the mark are one step in the store so that
	// concurrent exchanges of one code cannot both succeed. Never retried:
	// a lost reply followed by a retry would look like code reuse.
	authCode, err := storeCall(ctx, s, "redeem_authorization_code", noRetry, func(ctx context.Context) (*storage.AuthorizationCode, error) {
		return s.flowStore.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code)
	})
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			return nil, s.handleCodeReuse(ctx, authCode, req)
		}
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			s.logGrantFailure("", req.ClientID, req.ClientIP, "invalid_authorization_code")
			return nil, ErrCodeNotFound
		case errors.Is(err, storage.ErrAuthorizationCodeExpired):
			s.logGrantFailure("", req.ClientID, req.ClientIP, "expired_authorization_code")
			return nil, ErrCodeExpired
		}
		return nil, err
	}

	// Code is now atomically marked as used - no other request can use it
	instrumentation.AddOAuthFlowAttributes(span, authCode.ClientID, authCode.UserID, authCode.Scope)

	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		s.logGrantFailure(authCode.UserID, req.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, ErrClientMismatch
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
		s.logGrantFailure(authCode.UserID, req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, ErrRedirectURIMismatch
	}

	if err := verifyCodePKCE(authCode, req.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, err
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient
	}
	if !util.ScopesSubset(util.ParseScopes(authCode.Scope), client.Scopes) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   authCode.UserID,
				ClientID: client.ClientID,
			})
		}
		return nil, ErrScopeNotGranted
	}

	result, err := s.issueTokens(ctx, client, authCode.UserID, authCode.Scope, authCode.Scope, nil)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, client.ClientID, req.ClientIP, authCode.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, authCode.CodeChallengeMethod)
	}
	return result, nil
}

// RefreshAccessToken rotates a refresh token. The presented token is
// atomically deleted first; that delete is the synchronization point, so
// of two concurrent refreshes only one succeeds.
//
// Presenting a token that was already rotated is treated as theft: its
// whole family and every token of that user and client are revoked and
// ErrReuseDetected is returned.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (_ *TokenResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.RefreshAccessToken")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		}
	}()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	old, err := storeCall(ctx, s, "rotate_refresh_token", noRetry, func(ctx context.Context) (*storage.RefreshToken, error) {
		return s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, req.RefreshToken)
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			// Checked after the atomic delete so there is no window between
			// the lookup and the consumption.
			return nil, s.classifyMissingRefreshToken(ctx, req)
		case errors.Is(err, storage.ErrTokenExpired):
			s.logGrantFailure("", req.ClientID, req.ClientIP, "expired_refresh_token")
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	// Token is now atomically deleted - no other request can use it
	instrumentation.AddTokenFamilyAttributes(span, old.FamilyID, old.Generation)

	if security.IsTokenExpired(old.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if old.ClientID != req.ClientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", old.ClientID,
			"provided_client_id", req.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, tokenIDLogLength))
		s.logGrantFailure(old.UserID, req.ClientID, req.ClientIP, "client_id_mismatch")
		return nil, ErrClientMismatch
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient
	}

	accessScope := old.Scope
	if req.Scope != "" {
		requested := util.ParseScopes(req.Scope)
		if !util.ScopesSubset(requested, util.ParseScopes(old.Scope)) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventScopeEscalationAttempt,
					UserID:   old.UserID,
					ClientID: client.ClientID,
				})
			}
			return nil, ErrScopeNotGranted
		}
		accessScope = util.FormatScopes(requested)
	}

	result, err := s.issueTokens(ctx, client, old.UserID, accessScope, old.Scope, old)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(old.UserID, client.ClientID, req.ClientIP, s.Config.AllowRefreshTokenRotation)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	}
	return result, nil
}

// RevokeAllTokensForUserClient revokes every refresh token family of a
// user and client. Access tokens are stateless and expire on their own.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID, reason string) (int, error) {
	revoked, err := storeCall(ctx, s, "revoke_all_tokens_for_user_client", retryIdempotent, func(ctx context.Context) (int, error) {
		return s.tokenStore.RevokeAllTokensForUserClient(ctx, userID, clientID)
	})
	if err != nil {
		s.Logger.Error("Failed to revoke tokens",
			"client_id", clientID,
			"reason", reason,
			"error", err)
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}

	s.Logger.Warn("Revoked all tokens for user+client due to security event",
		"client_id", clientID,
		"tokens_revoked", revoked,
		"reason", reason)
	if s.Auditor != nil {
		s.Auditor.LogTokensRevoked(userID, clientID, reason, revoked)
	}
	if s.metrics != nil {
		s.metrics.RecordTokensRevoked(ctx, reason, revoked)
	}
	return revoked, nil
}

// handleCodeReuse revokes what was issued from a replayed code.
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, req TokenRequest) error {
	// Rate limit logging to prevent DoS via log flooding
	if s.shouldLogSecurityEvent("code_reuse:" + authCode.UserID + ":" + authCode.ClientID) {
		s.Logger.Error("Authorization code reuse detected - revoking all tokens",
			"client_id", authCode.ClientID,
			"presented_by", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength),
			"oauth_spec", "OAuth 2.1 Section 4.1.2")
	}

	// Revoke using the code's own client so a replay by another client
	// still protects the victim.
	if _, err := s.RevokeAllTokensForUserClient(ctx, authCode.UserID, authCode.ClientID, "authorization_code_reuse_detected"); err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationCodeReuseDetected,
			UserID:    authCode.UserID,
			ClientID:  authCode.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"severity":   "critical",
				"action":     "all_tokens_revoked",
				"oauth_spec": "OAuth 2.1 Section 4.1.2",
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
	return ErrCodeAlreadyUsed
}

// classifyMissingRefreshToken decides what an unknown refresh token means.
// If its family is known the token was rotated away (or revoked) and this
// is a replay.
func (s *Server) classifyMissingRefreshToken(ctx context.Context, req RefreshRequest) error {
	family, err := storeCall(ctx, s, "get_refresh_token_family", retryIdempotent, func(ctx context.Context) (*storage.RefreshTokenFamilyMetadata, error) {
		return s.tokenStore.GetRefreshTokenFamily(ctx, req.RefreshToken)
	})
	if err != nil {
		if IsTransient(err) {
			return err
		}
		s.Logger.Debug("Refresh token validation failed",
			"reason", "not_found",
			"client_id", req.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, tokenIDLogLength))
		s.logGrantFailure("", req.ClientID, req.ClientIP, "invalid_refresh_token")
		return ErrTokenNotFound
	}

	if family.Revoked {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventRevokedTokenFamilyReuseAttempt,
				UserID:    family.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details: map[string]any{
					"severity":  "critical",
					"family_id": util.SafeTruncate(family.FamilyID, tokenIDLogLength),
				},
			})
		}
		return ErrTokenRevoked
	}

	// Without rotation the same token is legitimately presented again, and a
	// concurrent refresh briefly holds it between delete and re-save.
	if !s.Config.AllowRefreshTokenRotation {
		s.logGrantFailure(family.UserID, req.ClientID, req.ClientIP, "refresh_token_in_use")
		return ErrTokenNotFound
	}

	if s.shouldLogSecurityEvent("token_reuse:" + family.UserID + ":" + family.ClientID) {
		s.Logger.Error("Refresh token reuse detected - token was rotated but still being used",
			"client_id", family.ClientID,
			"presented_by", req.ClientID,
			"family_id", util.SafeTruncate(family.FamilyID, tokenIDLogLength),
			"generation", family.Generation,
			"oauth_spec", "OAuth 2.1 Refresh Token Rotation")
	}

	// Step 1: Revoke entire token family
	err = storeExec(ctx, s, "revoke_refresh_token_family", retryIdempotent, func(ctx context.Context) error {
		return s.tokenStore.RevokeRefreshTokenFamily(ctx, family.FamilyID)
	})
	if err != nil {
		s.Logger.Error("Failed to revoke token family", "error", err)
	}

	// Step 2: Revoke all tokens for this user+client
	if _, err := s.RevokeAllTokensForUserClient(ctx, family.UserID, family.ClientID, "refresh_token_reuse_detected"); err != nil {
		s.Logger.Error("Failed to revoke user tokens", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventRefreshTokenReuseDetected,
			UserID:    family.UserID,
			ClientID:  family.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"severity":   "critical",
				"family_id":  util.SafeTruncate(family.FamilyID, tokenIDLogLength),
				"generation": family.Generation,
				"action":     "family_and_tokens_revoked",
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordTokenReuseDetected(ctx)
	}
	return ErrReuseDetected
}

// issueTokens signs an access token and, for clients holding the
// refresh_token grant, issues a refresh token. prev is the refresh token
// being rotated, or nil to start a new family.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID, accessScope, refreshScope string, prev *storage.RefreshToken) (*TokenResult, error) {
	now := time.Now()
	expiresAt := now.Add(s.Config.accessTokenTTL())

	claims := signing.AccessTokenClaims{
		Claims: jwt.Claims{
			Issuer:    s.Config.Issuer,
			Subject:   userID,
			Audience:  jwt.Audience{s.Config.Audience},
			Expiry:    jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientID: client.ClientID,
		Scope:    accessScope,
	}
	accessToken, err := s.keys.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAccessTokenSigned(ctx, s.keys.Algorithms()[0])
	}

	result := &TokenResult{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   s.Config.AccessTokenTTL,
		ExpiresAt:   expiresAt,
		Scope:       accessScope,
		Subject:     userID,
		ClientID:    client.ClientID,
	}

	if !client.HasGrantType(GrantTypeRefreshToken) {
		return result, nil
	}

	var next *storage.RefreshToken
	switch {
	case prev == nil:
		next = &storage.RefreshToken{
			Token:    generateRandomToken(),
			FamilyID: uuid.NewString(),
		}
	case s.Config.AllowRefreshTokenRotation:
		next = &storage.RefreshToken{
			Token:      generateRandomToken(),
			FamilyID:   prev.FamilyID,
			Generation: prev.Generation + 1,
		}
	default:
		// Rotation disabled: the presented token goes back into service.
		s.Logger.Warn("Refresh token reused (rotation disabled)", "client_id", client.ClientID)
		next = &storage.RefreshToken{
			Token:      prev.Token,
			FamilyID:   prev.FamilyID,
			Generation: prev.Generation,
		}
	}
	next.UserID = userID
	next.ClientID = client.ClientID
	next.Scope = refreshScope
	next.IssuedAt = now
	next.ExpiresAt = now.Add(s.Config.refreshTokenTTL())
	if prev != nil && !s.Config.AllowRefreshTokenRotation {
		next.IssuedAt = prev.IssuedAt
		next.ExpiresAt = prev.ExpiresAt
	}

	err = storeExec(ctx, s, "save_refresh_token", retryIdempotent, func(ctx context.Context) error {
		return s.tokenStore.SaveRefreshToken(ctx, next)
	})
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenFamilyRevoked) {
			// Lost a race against reuse detection.
			return nil, ErrTokenRevoked
		}
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.Logger.Debug("Issued refresh token",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(next.FamilyID, tokenIDLogLength),
		"generation", next.Generation)

	result.RefreshToken = next.Token
	return result, nil
}

// verifyCodePKCE checks the verifier presented at the token endpoint
// against the challenge stored with the code. A verifier without a stored
// challenge is also a mismatch.
func verifyCodePKCE(authCode *storage.AuthorizationCode, verifier string) error {
	if authCode.CodeChallenge == "" {
		if verifier != "" {
			return fmt.Errorf("%w: code_verifier presented without code_challenge", ErrPKCEMismatch)
		}
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("%w: code_verifier is required", ErrPKCEMismatch)
	}
	if err := pkce.ValidateVerifier(verifier); err != nil {
		return fmt.Errorf("%w: %w", ErrPKCEMismatch, err)
	}
	if !pkce.Verify(verifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
		return fmt.Errorf("%w: code_verifier does not match code_challenge", ErrPKCEMismatch)
	}
	return nil
}

func (s *Server) logGrantFailure(userID, clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userID, clientID, clientIP, reason)
	}
}
