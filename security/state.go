package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	// DefaultFlowStateTTL bounds how long a login round-trip may take.
	DefaultFlowStateTTL = 10 * time.Minute

	// MinStateKeyLength is the minimum HMAC key size for signed flow state.
	MinStateKeyLength = 32

	flowStateAudience = "authorization-callback"
)

// ErrInvalidFlowState is returned for forged, tampered or expired flow state.
var ErrInvalidFlowState = errors.New("invalid flow state")

// StateSigner produces and checks the signed state parameter that correlates
// the two halves of a suspended authorization request. The token is a
// compact HS256 JWS whose subject is the pending authorization ID.
type StateSigner struct {
	key    []byte
	signer jose.Signer
	ttl    time.Duration
	issuer string
}

// NewStateSigner creates a signer from an HMAC key of at least 32 bytes.
// ttl <= 0 uses DefaultFlowStateTTL.
func NewStateSigner(key []byte, issuer string, ttl time.Duration) (*StateSigner, error) {
	if len(key) < MinStateKeyLength {
		return nil, fmt.Errorf("state signing key must be at least %d bytes, got %d", MinStateKeyLength, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultFlowStateTTL
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state signer: %w", err)
	}

	return &StateSigner{
		key:    key,
		signer: signer,
		ttl:    ttl,
		issuer: issuer,
	}, nil
}

// TTL returns the lifetime of issued state values.
func (s *StateSigner) TTL() time.Duration {
	return s.ttl
}

// Sign returns a signed state value referencing pendingID.
func (s *StateSigner) Sign(pendingID string) (string, error) {
	if pendingID == "" {
		return "", fmt.Errorf("pending authorization id is required")
	}

	now := time.Now()
	claims := jwt.Claims{
		Issuer:    s.issuer,
		Subject:   pendingID,
		Audience:  jwt.Audience{flowStateAudience},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(s.ttl)),
	}

	state, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return state, nil
}

// Verify checks the signature and expiry of a state value and returns the
// pending authorization ID it carries.
func (s *StateSigner) Verify(state string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFlowState)
	}

	tok, err := jwt.ParseSigned(state, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("%w: malformed", ErrInvalidFlowState)
	}

	var claims jwt.Claims
	if err := tok.Claims(s.key, &claims); err != nil {
		return "", fmt.Errorf("%w: bad signature", ErrInvalidFlowState)
	}

	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      s.issuer,
		AnyAudience: jwt.Audience{flowStateAudience},
		Time:        time.Now(),
	}, DefaultClockSkewGracePeriod)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFlowState, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidFlowState)
	}
	return claims.Subject, nil
}
