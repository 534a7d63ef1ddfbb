package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// validateRefreshToken checks required fields and input lengths
func validateRefreshToken(token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if token.UserID == "" || token.ClientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	if err := validateStringLength(token.Token, MaxTokenLength, "refresh token"); err != nil {
		return err
	}
	if err := validateStringLength(token.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}
	if err := validateStringLength(token.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}
	return validateStringLength(token.FamilyID, MaxIDLength, "familyID")
}

// SaveRefreshToken saves a refresh token and records or advances its
// family. Saving into a revoked family fails with
// storage.ErrRefreshTokenFamilyRevoked.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := validateRefreshToken(token); err != nil {
		return err
	}

	tokenData, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	familyData, err := json.Marshal(toRefreshTokenFamilyJSON(&storage.RefreshTokenFamilyMetadata{
		FamilyID:   token.FamilyID,
		UserID:     token.UserID,
		ClientID:   token.ClientID,
		Generation: token.Generation,
		IssuedAt:   token.IssuedAt,
	}))
	if err != nil {
		return fmt.Errorf("failed to marshal family metadata: %w", err)
	}

	hash := storage.HashToken(token.Token)
	keys := []string{
		s.familyKey(token.FamilyID),
		s.refreshTokenKey(hash),
		s.lineageKey(hash),
		s.familyTokensKey(token.FamilyID),
		s.userClientKey(token.UserID, token.ClientID),
	}

	result, err := s.evalScript(ctx, luaSaveRefreshToken, keys,
		string(tokenData),
		string(familyData),
		strconv.Itoa(token.Generation),
		strconv.FormatInt(token.IssuedAt.Unix(), 10),
		strconv.FormatInt(recordTTL(token.ExpiresAt).Milliseconds(), 10),
		token.FamilyID,
		hash,
	)
	if err != nil {
		return wrapError("save refresh token", err)
	}
	if result == "REVOKED" {
		return fmt.Errorf("%w: %s", storage.ErrRefreshTokenFamilyRevoked, util.SafeTruncate(token.FamilyID, tokenIDLogLength))
	}

	s.logger.Debug("Saved refresh token with family tracking",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a live refresh token
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	j, err := getAndUnmarshal[refreshTokenJSON](ctx, s, s.refreshTokenKey(storage.HashToken(token)), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}

	rt := fromRefreshTokenJSON(token, j)
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return rt, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token.
// Only one concurrent caller can succeed; the others get ErrTokenNotFound.
// Family metadata and lineage are kept for reuse detection.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh token"); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, err)
	}

	key := s.refreshTokenKey(storage.HashToken(token))
	result, err := s.evalScript(ctx, luaAtomicGetAndDeleteRefresh, []string{key}, expiryCutoff())
	if err != nil {
		return nil, wrapError("execute atomic refresh token operation", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	rt := fromRefreshTokenJSON(token, &j)

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"family_id", util.SafeTruncate(rt.FamilyID, tokenIDLogLength),
		"generation", rt.Generation)
	return rt, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	key := s.refreshTokenKey(storage.HashToken(token))
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return wrapError("delete refresh token", err)
	}
	return nil
}

// GetRefreshTokenFamily retrieves family metadata for a refresh token,
// live or already rotated.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, token string) (*storage.RefreshTokenFamilyMetadata, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh token"); err != nil {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}

	familyID, err := s.client.Do(ctx, s.client.B().Get().Key(s.lineageKey(storage.HashToken(token))).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenFamilyNotFound
		}
		return nil, wrapError("get token lineage", err)
	}

	j, err := getAndUnmarshal[refreshTokenFamilyJSON](ctx, s, s.familyKey(familyID), storage.ErrRefreshTokenFamilyNotFound)
	if err != nil {
		return nil, err
	}
	return fromRefreshTokenFamilyJSON(j), nil
}

// RevokeRefreshTokenFamily revokes all tokens in a family (for reuse detection)
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	_, err := s.revokeFamily(ctx, familyID, time.Now())
	return err
}

// revokeFamily marks the family revoked, then deletes its live tokens and
// extends the lineage of every token to the retention period. Marking
// first means a concurrent SaveRefreshToken either lands in the token set
// read below or is refused. Returns the number of live tokens deleted.
func (s *Store) revokeFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	retention := s.revokedRetention()
	tokensKey := s.familyTokensKey(familyID)

	result, err := s.evalScript(ctx, luaMarkFamilyRevoked,
		[]string{s.familyKey(familyID), tokensKey},
		strconv.FormatInt(now.Unix(), 10),
		strconv.FormatInt(retention.Milliseconds(), 10),
	)
	if err != nil {
		return 0, wrapError("revoke refresh token family", err)
	}
	if result == "NOT_FOUND" {
		return 0, nil
	}

	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(tokensKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, wrapError("get family members", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	cmds := make([]valkeygo.Completed, 0, 2*len(hashes))
	for _, hash := range hashes {
		cmds = append(cmds,
			s.client.B().Del().Key(s.refreshTokenKey(hash)).Build(),
			s.client.B().Pexpire().Key(s.lineageKey(hash)).Milliseconds(retention.Milliseconds()).Build(),
		)
	}

	revoked := 0
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		n, err := res.AsInt64()
		if err != nil {
			s.logger.Debug("Failed to clean up token during family revocation",
				"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
				"error", err)
			continue
		}
		if i%2 == 0 {
			revoked += int(n)
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// RevokeAllTokensForUserClient revokes every refresh token family for a
// user+client pair. Used when an authorization code is replayed.
// Returns the number of live tokens deleted.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}
	if err := validateStringLength(userID, MaxIDLength, "userID"); err != nil {
		return 0, err
	}
	if err := validateStringLength(clientID, MaxIDLength, "clientID"); err != nil {
		return 0, err
	}

	familyIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.userClientKey(userID, clientID)).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, wrapError("get user+client families", err)
	}

	now := time.Now()
	revoked := 0
	for _, familyID := range familyIDs {
		n, err := s.revokeFamily(ctx, familyID, now)
		if err != nil {
			return revoked, err
		}
		revoked += n
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}
