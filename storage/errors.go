package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors returned by every storage back-end. Callers match them
// with errors.Is; back-ends wrap them with context using fmt.Errorf("%w").
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")

	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")

	ErrTokenNotFound              = errors.New("token not found")
	ErrTokenExpired               = errors.New("token expired")
	ErrRefreshTokenFamilyNotFound = errors.New("refresh token family not found")

	// ErrRefreshTokenFamilyRevoked is returned when a token is saved into a
	// family that was revoked after reuse detection.
	ErrRefreshTokenFamilyRevoked = errors.New("refresh token family revoked")

	// ErrStoreUnavailable marks failures of the backing service itself
	// (connection refused, timeouts). Only these are worth retrying.
	ErrStoreUnavailable = errors.New("storage unavailable")
)

// IsNotFoundError reports whether err is one of the not-found sentinels.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrPendingAuthorizationNotFound) ||
		errors.Is(err, ErrAuthorizationCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrRefreshTokenFamilyNotFound)
}

// HashToken returns the hex SHA-256 of a secret value. Persistent back-ends
// key codes and refresh tokens by this hash so a leaked database does not
// leak usable credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
