package security

import "time"

// DefaultClockSkewGracePeriod is the leeway applied to the time claims of
// signed tokens (exp, nbf, iat) and to signed state parameters. It is
// never applied to stored credentials.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether a stored credential is past expiresAt.
// There is no grace: a credential is never honoured after its expiry.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, 0)
}

// IsTokenExpiredWithGracePeriod checks expiry against the current clock.
// The clock is read on every call; callers must not cache the verdict.
// A zero expiresAt never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(expiresAt.Add(grace))
}
