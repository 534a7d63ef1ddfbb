package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// ============================================================
// Pending authorizations
// ============================================================

const pendingColumns = `id, client_id, redirect_uri, scope, state, code_challenge,
	code_challenge_method, nonce, provider_state, provider_code_verifier,
	created_at, expires_at`

func scanPending(row rowScanner) (*storage.PendingAuthorization, error) {
	var (
		p                    storage.PendingAuthorization
		createdAt, expiresAt int64
	)
	if err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.RedirectURI,
		&p.Scope,
		&p.State,
		&p.CodeChallenge,
		&p.CodeChallengeMethod,
		&p.Nonce,
		&p.ProviderState,
		&p.ProviderCodeVerifier,
		&createdAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}
	p.CreatedAt = unixTime(createdAt)
	p.ExpiresAt = unixTime(expiresAt)
	return &p, nil
}

// SavePendingAuthorization stores a suspended authorization request
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.ID == "" {
		return fmt.Errorf("pending authorization ID cannot be empty")
	}

	verifier, err := s.getEncryptor().Seal(pending.ProviderCodeVerifier, pending.ID)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider verifier: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_authorizations (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pending.ID,
		pending.ClientID,
		pending.RedirectURI,
		pending.Scope,
		pending.State,
		pending.CodeChallenge,
		pending.CodeChallengeMethod,
		pending.Nonce,
		pending.ProviderState,
		verifier,
		unixSeconds(pending.CreatedAt),
		unixSeconds(pending.ExpiresAt),
	)
	if err != nil {
		return wrapError("save pending authorization", err)
	}
	return nil
}

// GetPendingAuthorization retrieves a suspended request without consuming it
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_authorizations WHERE id = ?`, id)

	pending, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, wrapError("get pending authorization", err)
	}
	return s.openPending(pending)
}

// ConsumePendingAuthorization atomically retrieves and deletes a suspended
// request. Of two concurrent callers only the one whose DELETE removed the
// row gets it.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError("begin transaction", err)
	}
	defer rollback(tx)

	pending, err := scanPending(tx.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_authorizations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, wrapError("get pending authorization", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError("consume pending authorization", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, wrapError("consume pending authorization", err)
	} else if n == 0 {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapError("commit pending authorization", err)
	}
	return s.openPending(pending)
}

// DeletePendingAuthorization removes a suspended request
func (s *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE id = ?`, id); err != nil {
		return wrapError("delete pending authorization", err)
	}
	return nil
}

// openPending rejects expired requests and decrypts the provider verifier.
func (s *Store) openPending(pending *storage.PendingAuthorization) (*storage.PendingAuthorization, error) {
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
// Authorization codes
// ============================================================

const codeColumns = `client_id, redirect_uri, scope, code_challenge, code_challenge_method,
	user_id, nonce, created_at, expires_at, used, version`

func scanCode(code string, row rowScanner) (*storage.AuthorizationCode, error) {
	var (
		c                    storage.AuthorizationCode
		createdAt, expiresAt int64
	)
	if err := row.Scan(
		&c.ClientID,
		&c.RedirectURI,
		&c.Scope,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&c.UserID,
		&c.Nonce,
		&createdAt,
		&expiresAt,
		&c.Used,
		&c.Version,
	); err != nil {
		return nil, err
	}
	c.Code = code
	c.CreatedAt = unixTime(createdAt)
	c.ExpiresAt = unixTime(expiresAt)
	return &c, nil
}

// SaveAuthorizationCode saves an issued authorization code under its hash
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes (code_hash, `+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		storage.HashToken(code.Code),
		code.ClientID,
		code.RedirectURI,
		code.Scope,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.UserID,
		code.Nonce,
		unixSeconds(code.CreatedAt),
		unixSeconds(code.ExpiresAt),
		code.Used,
		code.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM authorization_codes WHERE code_hash = ?`, storage.HashToken(code))

	authCode, err := scanCode(code, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, wrapError("get authorization code", err)
	}
	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
//
// The mark is a conditional UPDATE on the version read in the same
// transaction; zero affected rows means another caller won and the code is
// reported as used. The code is returned together with
// ErrAuthorizationCodeUsed so the caller can revoke what was issued from it.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	hash := storage.HashToken(code)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError("begin transaction", err)
	}
	defer rollback(tx)

	authCode, err := scanCode(code, tx.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM authorization_codes WHERE code_hash = ?`, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, wrapError("get authorization code", err)
	}

	if authCode.Used {
		return authCode, storage.ErrAuthorizationCodeUsed
	}
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET used = 1, version = version + 1
		 WHERE code_hash = ? AND used = 0 AND version = ?`,
		hash, authCode.Version)
	if err != nil {
		return nil, wrapError("mark authorization code used", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapError("mark authorization code used", err)
	}
	if n == 0 {
		s.logger.Debug("Lost authorization code redeem race",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		authCode.Used = true
		return authCode, storage.ErrAuthorizationCodeUsed
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapError("commit authorization code", err)
	}

	authCode.Used = true
	authCode.Version++

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE code_hash = ?`, storage.HashToken(code)); err != nil {
		return wrapError("delete authorization code", err)
	}
	return nil
}
