// Package pkce implements Proof Key for Code Exchange (RFC 7636) checks for
// the authorization and token endpoints.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Code challenge methods
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Length bounds shared by verifiers and plain challenges (RFC 7636 section 4.1)
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// s256ChallengeLength is the length of base64url(sha256(x)) without padding
	s256ChallengeLength = 43
)

var (
	// ErrInvalidVerifier is returned for verifiers outside the RFC 7636 grammar
	ErrInvalidVerifier = errors.New("invalid code_verifier")

	// ErrInvalidChallenge is returned for malformed code_challenge values
	ErrInvalidChallenge = errors.New("invalid code_challenge")

	// ErrUnsupportedMethod is returned for unknown or disabled challenge methods
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")
)

// Verify reports whether verifier matches challenge under method. S256
// compares base64url(sha256(verifier)) without padding; plain compares the
// strings directly. Comparison is constant time. Unknown methods, including
// the empty string, never verify.
func Verify(verifier, challenge, method string) bool {
	var computed string
	switch method {
	case MethodS256:
		computed = S256Challenge(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return false
	}
	if challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// S256Challenge derives the S256 code_challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateVerifier returns a fresh 43-character verifier with 256 bits of entropy.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ValidateVerifier checks length and the unreserved character set
// [A-Za-z0-9-._~]. Null bytes, control characters and non-ASCII input are
// rejected.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidVerifier, MinVerifierLength, MaxVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("%w: must only contain [A-Za-z0-9-._~]", ErrInvalidVerifier)
	}
	return nil
}

// ValidateChallenge checks a code_challenge at the authorization endpoint.
// plain is only accepted when allowPlain is set.
func ValidateChallenge(challenge, method string, allowPlain bool) error {
	switch method {
	case MethodS256:
		if len(challenge) != s256ChallengeLength {
			return fmt.Errorf("%w: S256 challenge must be %d characters", ErrInvalidChallenge, s256ChallengeLength)
		}
		if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
			return fmt.Errorf("%w: not base64url", ErrInvalidChallenge)
		}
	case MethodPlain:
		if !allowPlain {
			return fmt.Errorf("%w: plain is disabled, use S256", ErrUnsupportedMethod)
		}
		if len(challenge) < MinVerifierLength || len(challenge) > MaxVerifierLength || !isUnreserved(challenge) {
			return fmt.Errorf("%w: plain challenge must be a valid verifier", ErrInvalidChallenge)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return nil
}

// SupportedMethods lists the methods advertised in discovery metadata.
func SupportedMethods(allowPlain bool) []string {
	if allowPlain {
		return []string{MethodS256, MethodPlain}
	}
	return []string{MethodS256}
}

func isUnreserved(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}
