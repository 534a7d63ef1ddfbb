package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

const refreshColumns = `family_id, user_id, client_id, scope, generation, issued_at, expires_at`

func scanRefreshToken(token string, row rowScanner) (*storage.RefreshToken, error) {
	var (
		rt                  storage.RefreshToken
		issuedAt, expiresAt int64
	)
	if err := row.Scan(
		&rt.FamilyID,
		&rt.UserID,
		&rt.ClientID,
		&rt.Scope,
		&rt.Generation,
		&issuedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	rt.Token = token
	rt.IssuedAt = unixTime(issuedAt)
	rt.ExpiresAt = unixTime(expiresAt)
	return &rt, nil
}

// SaveRefreshToken saves a refresh token and records or advances its
// family. Saving into a revoked family fails with
// storage.ErrRefreshTokenFamilyRevoked.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if token.UserID == "" || token.ClientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("begin transaction", err)
	}
	defer rollback(tx)

	var revoked bool
	err = tx.QueryRowContext(ctx,
		`SELECT revoked FROM refresh_token_families WHERE family_id = ?`, token.FamilyID,
	).Scan(&revoked)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO refresh_token_families (family_id, user_id, client_id, generation, issued_at, revoked, revoked_at)
			 VALUES (?, ?, ?, ?, ?, 0, 0)`,
			token.FamilyID, token.UserID, token.ClientID, token.Generation, unixSeconds(token.IssuedAt))
		if err != nil {
			return wrapError("create refresh token family", err)
		}
	case err != nil:
		return wrapError("get refresh token family", err)
	case revoked:
		return fmt.Errorf("%w: %s", storage.ErrRefreshTokenFamilyRevoked, util.SafeTruncate(token.FamilyID, tokenIDLogLength))
	default:
		// The revoked = 0 guard refuses the write if a revocation committed
		// after the SELECT above.
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_token_families SET generation = ?, issued_at = ?
			 WHERE family_id = ? AND revoked = 0`,
			token.Generation, unixSeconds(token.IssuedAt), token.FamilyID)
		if err != nil {
			return wrapError("advance refresh token family", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return wrapError("advance refresh token family", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s", storage.ErrRefreshTokenFamilyRevoked, util.SafeTruncate(token.FamilyID, tokenIDLogLength))
		}
	}

	hash := storage.HashToken(token.Token)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, `+refreshColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hash,
		token.FamilyID,
		token.UserID,
		token.ClientID,
		token.Scope,
		token.Generation,
		unixSeconds(token.IssuedAt),
		unixSeconds(token.ExpiresAt),
	); err != nil {
		return wrapError("save refresh token", err)
	}
	// A token put back into service already has its lineage row.
	if _, err := tx.ExecContext(ctx,
		s.insertIgnore()+` INTO refresh_token_lineage (token_hash, family_id) VALUES (?, ?)`,
		hash, token.FamilyID); err != nil {
		return wrapError("save refresh token lineage", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapError("commit refresh token", err)
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
	rt, err := scanRefreshToken(token, s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`, storage.HashToken(token)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, wrapError("get refresh token", err)
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return rt, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token.
// Only the caller whose DELETE removed the row succeeds; the others get
// ErrTokenNotFound. Expired tokens are not deleted, and family metadata
// and lineage are kept for reuse detection.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	hash := storage.HashToken(token)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError("begin transaction", err)
	}
	defer rollback(tx)

	rt, err := scanRefreshToken(token, tx.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
		}
		return nil, wrapError("get refresh token", err)
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, hash)
	if err != nil {
		return nil, wrapError("rotate refresh token", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, wrapError("rotate refresh token", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapError("commit refresh token rotation", err)
	}

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"family_id", util.SafeTruncate(rt.FamilyID, tokenIDLogLength),
		"generation", rt.Generation)
	return rt, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = ?`, storage.HashToken(token)); err != nil {
		return wrapError("delete refresh token", err)
	}
	return nil
}

// GetRefreshTokenFamily retrieves family metadata for a refresh token,
// live or already rotated.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, token string) (*storage.RefreshTokenFamilyMetadata, error) {
	var (
		f                   storage.RefreshTokenFamilyMetadata
		issuedAt, revokedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT f.family_id, f.user_id, f.client_id, f.generation, f.issued_at, f.revoked, f.revoked_at
		 FROM refresh_token_lineage l
		 JOIN refresh_token_families f ON f.family_id = l.family_id
		 WHERE l.token_hash = ?`,
		storage.HashToken(token),
	).Scan(&f.FamilyID, &f.UserID, &f.ClientID, &f.Generation, &issuedAt, &f.Revoked, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRefreshTokenFamilyNotFound
		}
		return nil, wrapError("get refresh token family", err)
	}
	f.IssuedAt = unixTime(issuedAt)
	f.RevokedAt = unixTime(revokedAt)
	return &f, nil
}

// RevokeRefreshTokenFamily revokes all tokens in a family (for reuse detection)
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("begin transaction", err)
	}
	defer rollback(tx)

	revoked, err := revokeFamilies(ctx, tx, time.Now(),
		`family_id = ?`, familyID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapError("commit family revocation", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return nil
}

// RevokeAllTokensForUserClient revokes every refresh token family for a
// user+client pair. Used when an authorization code is replayed.
// Returns the number of live tokens deleted.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError("begin transaction", err)
	}
	defer rollback(tx)

	revoked, err := revokeFamilies(ctx, tx, time.Now(),
		`user_id = ? AND client_id = ?`, userID, clientID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapError("commit user+client revocation", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// revokeFamilies marks the matching families revoked (keeping the first
// revocation time) and deletes their live tokens. where is a constant
// predicate over family_id, user_id and client_id, which both tables share.
func revokeFamilies(ctx context.Context, tx *sql.Tx, now time.Time, where string, args ...any) (int, error) {
	markArgs := append([]any{now.Unix()}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_token_families SET revoked = 1, revoked_at = ?
		 WHERE revoked = 0 AND `+where,
		markArgs...); err != nil {
		return 0, wrapError("revoke refresh token families", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE `+where, args...)
	if err != nil {
		return 0, wrapError("delete revoked refresh tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapError("delete revoked refresh tokens", err)
	}
	return int(n), nil
}
