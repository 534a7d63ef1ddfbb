package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// ============================================================
// FlowStore Implementation: pending authorizations
// ============================================================

// SavePendingAuthorization stores a suspended authorization request. The
// key expires shortly after the request does.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.ID == "" {
		return fmt.Errorf("pending authorization ID cannot be empty")
	}
	if err := validateStringLength(pending.ID, MaxTokenLength, "pending ID"); err != nil {
		return err
	}

	j := toPendingAuthorizationJSON(pending)
	sealed, err := s.getEncryptor().Seal(pending.ProviderCodeVerifier, pending.ID)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider verifier: %w", err)
	}
	j.ProviderCodeVerifier = sealed

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	key := s.pendingKey(pending.ID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(recordTTL(pending.ExpiresAt)).Build(),
	).Error(); err != nil {
		return wrapError("save pending authorization", err)
	}

	s.logger.Debug("Saved pending authorization", "client_id", pending.ClientID)
	return nil
}

// GetPendingAuthorization retrieves a suspended request without consuming it
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	if err := validateStringLength(id, MaxTokenLength, "pending ID"); err != nil {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	j, err := getAndUnmarshal[pendingAuthorizationJSON](ctx, s, s.pendingKey(id), storage.ErrPendingAuthorizationNotFound)
	if err != nil {
		return nil, err
	}
	return s.openPending(j)
}

// ConsumePendingAuthorization atomically retrieves and deletes a suspended
// request using GETDEL, so a replayed callback finds nothing.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	if err := validateStringLength(id, MaxTokenLength, "pending ID"); err != nil {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.pendingKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, wrapError("consume pending authorization", err)
	}

	var j pendingAuthorizationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return s.openPending(&j)
}

// DeletePendingAuthorization removes a suspended request
func (s *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.pendingKey(id)).Build()).Error(); err != nil {
		return wrapError("delete pending authorization", err)
	}
	return nil
}

// openPending rejects expired requests and decrypts the provider verifier.
func (s *Store) openPending(j *pendingAuthorizationJSON) (*storage.PendingAuthorization, error) {
	pending := fromPendingAuthorizationJSON(j)
	if security.IsTokenExpired(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	verifier, err := s.getEncryptor().Open(pending.ProviderCodeVerifier, pending.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provider verifier: %w", err)
	}
	pending.ProviderCodeVerifier = verifier
	return pending, nil
}

// ============================================================
// FlowStore Implementation: authorization codes
// ============================================================

// SaveAuthorizationCode saves an issued authorization code under its hash.
// Used codes are kept until shortly after expiry so replays are recognised.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "authorization code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Ex(recordTTL(code.ExpiresAt)).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("authorization code already exists")
		}
		return wrapError("save authorization code", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "authorization code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	j, err := getAndUnmarshal[authorizationCodeJSON](ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound)
	if err != nil {
		return nil, err
	}
	return fromAuthorizationCodeJSON(code, j), nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
//
// The code is returned together with ErrAuthorizationCodeUsed so the caller
// can revoke what was issued from it. For not-found and expired codes nil is
// returned.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "authorization code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	result, err := s.evalScript(ctx, luaAtomicCheckAndMarkCodeUsed, []string{s.codeKey(code)}, expiryCutoff())
	if err != nil {
		return nil, wrapError("execute atomic code check", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(code, &j), storage.ErrAuthorizationCodeUsed
	}

	// The script returns the record as it was before marking.
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	authCode := fromAuthorizationCodeJSON(code, &j)
	authCode.Used = true
	authCode.Version++

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return wrapError("delete authorization code", err)
	}
	return nil
}
