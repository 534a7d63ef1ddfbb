package signing

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// AccessTokenType is the JWS "typ" header of access tokens (RFC 9068).
const AccessTokenType = "at+jwt"

// DefaultGracePeriod is how long a rotated-out key keeps verifying.
const DefaultGracePeriod = 24 * time.Hour

// verifyLeeway tolerates clock differences between issuing and verifying hosts.
const verifyLeeway = 5 * time.Second

var (
	// ErrUnknownKey is returned when a token names a key the set does not hold.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrInvalidToken is returned for tokens that fail parsing or validation.
	ErrInvalidToken = errors.New("invalid access token")
)

// AccessTokenClaims are the claims carried by issued access tokens.
type AccessTokenClaims struct {
	jwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// KeySet holds the active signing key and the retired keys still valid for
// verification. It is safe for concurrent use.
type KeySet struct {
	mu          sync.RWMutex
	active      *Key
	retired     []*Key
	issuer      string
	gracePeriod time.Duration
	logger      *slog.Logger

	// version counts rotations.
	version uint64
}

// Option configures a KeySet.
type Option func(*KeySet)

// WithIssuer sets the issuer expected by Verify.
func WithIssuer(issuer string) Option {
	return func(ks *KeySet) { ks.issuer = issuer }
}

// WithGracePeriod sets how long rotated-out keys keep verifying.
func WithGracePeriod(d time.Duration) Option {
	return func(ks *KeySet) {
		if d > 0 {
			ks.gracePeriod = d
		}
	}
}

// WithLogger sets the logger used for rotation events.
func WithLogger(logger *slog.Logger) Option {
	return func(ks *KeySet) {
		if logger != nil {
			ks.logger = logger
		}
	}
}

// WithRetiredKeys adds keys that only verify. Keys without a RetireAt get
// one grace period from now.
func WithRetiredKeys(keys ...*Key) Option {
	return func(ks *KeySet) {
		ks.retired = append(ks.retired, keys...)
	}
}

// NewKeySet creates a key set signing with active.
func NewKeySet(active *Key, opts ...Option) (*KeySet, error) {
	if active == nil || active.Signer == nil {
		return nil, errors.New("active signing key is required")
	}

	ks := &KeySet{
		active:      active,
		gracePeriod: DefaultGracePeriod,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ks)
	}

	now := time.Now()
	for _, k := range ks.retired {
		if k.RetireAt.IsZero() {
			k.RetireAt = now.Add(ks.gracePeriod)
		}
	}
	return ks, nil
}

// Rotate makes next the active key. The previous active key is retired and
// keeps verifying for the grace period.
func (ks *KeySet) Rotate(next *Key) error {
	if next == nil || next.Signer == nil {
		return errors.New("signing key is required")
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	prev := ks.active
	prev.RetireAt = now.Add(ks.gracePeriod)

	ks.retired = slices.DeleteFunc(ks.retired, func(k *Key) bool {
		return !k.RetireAt.After(now) || k.ID == next.ID
	})
	ks.retired = append(ks.retired, prev)
	next.RetireAt = time.Time{}
	ks.active = next
	ks.version++

	ks.logger.Info("Rotated signing key",
		"new_key_id", next.ID,
		"previous_key_id", prev.ID,
		"previous_retire_at", prev.RetireAt)
	return nil
}

// Version changes every time the active key is rotated.
func (ks *KeySet) Version() uint64 {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.version
}

// ActiveKeyID returns the ID of the key used for new signatures.
func (ks *KeySet) ActiveKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active.ID
}

// Algorithms lists the JWS algorithms of all usable keys, active first.
func (ks *KeySet) Algorithms() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	algs := []string{string(ks.active.Algorithm)}
	for _, k := range ks.usableRetiredLocked(time.Now()) {
		if !slices.Contains(algs, string(k.Algorithm)) {
			algs = append(algs, string(k.Algorithm))
		}
	}
	return algs
}

// Sign serializes claims as a compact JWS signed with the active key.
func (ks *KeySet) Sign(claims any) (string, error) {
	ks.mu.RLock()
	key := ks.active
	ks.mu.RUnlock()

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: key.Algorithm,
			Key:       jose.JSONWebKey{Key: key.Signer, KeyID: key.ID, Algorithm: string(key.Algorithm)},
		},
		(&jose.SignerOptions{}).WithType(AccessTokenType),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature, issuer, audience and time claims of an
// access token and returns its claims.
func (ks *KeySet) Verify(token, audience string) (*AccessTokenClaims, error) {
	now := time.Now()

	ks.mu.RLock()
	keys := append([]*Key{ks.active}, ks.usableRetiredLocked(now)...)
	issuer := ks.issuer
	ks.mu.RUnlock()

	algs := make([]jose.SignatureAlgorithm, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}

	parsed, err := jwt.ParseSigned(token, algs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected one signature", ErrInvalidToken)
	}
	header := parsed.Headers[0]
	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != AccessTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, typ)
	}

	idx := slices.IndexFunc(keys, func(k *Key) bool { return k.ID == header.KeyID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, header.KeyID)
	}

	var claims AccessTokenClaims
	if err := parsed.Claims(keys[idx].Signer.Public(), &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	expected := jwt.Expected{Issuer: issuer, Time: now}
	if audience != "" {
		expected.AnyAudience = jwt.Audience{audience}
	}
	if err := claims.ValidateWithLeeway(expected, verifyLeeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}

// JWKS returns the public keys of the active key and every retired key
// that has not reached its RetireAt.
func (ks *KeySet) JWKS() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{ks.active.Public()}}
	for _, k := range ks.usableRetiredLocked(time.Now()) {
		set.Keys = append(set.Keys, k.Public())
	}
	return set
}

func (ks *KeySet) usableRetiredLocked(now time.Time) []*Key {
	var keys []*Key
	for _, k := range ks.retired {
		if k.RetireAt.After(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// KeyConfig locates persisted key material.
type KeyConfig struct {
	// KeyDir is joined with relative file names below.
	KeyDir string `mapstructure:"key_dir"`

	// SigningKeyFile is the PEM file of the active key. Empty means an
	// ephemeral key is generated.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// RetiredKeyFiles are previous keys still accepted for verification.
	RetiredKeyFiles []string `mapstructure:"retired_key_files"`

	// GracePeriod bounds how long retired keys verify, measured from startup.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// Algorithm is used for the ephemeral key.
	Algorithm string `mapstructure:"algorithm"`
}

// NewKeySetFromConfig loads the configured keys. Without a signing key file
// an ephemeral key is generated; tokens it signs do not survive a restart.
func NewKeySetFromConfig(cfg KeyConfig, issuer string, logger *slog.Logger) (*KeySet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{WithIssuer(issuer), WithGracePeriod(cfg.GracePeriod), WithLogger(logger)}

	if cfg.SigningKeyFile == "" {
		key, err := GenerateKey(jose.SignatureAlgorithm(cfg.Algorithm))
		if err != nil {
			return nil, err
		}
		logger.Warn("⚠️  SECURITY WARNING: Using an ephemeral signing key",
			"risk", "Issued tokens become unverifiable after restart and differ between replicas",
			"recommendation", "Set keys.signing_key_file to a persisted PEM key",
			"key_id", key.ID,
			"algorithm", key.Algorithm)
		return NewKeySet(key, opts...)
	}

	active, err := LoadKeyFile(resolveKeyPath(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	retired := make([]*Key, 0, len(cfg.RetiredKeyFiles))
	for _, name := range cfg.RetiredKeyFiles {
		k, err := LoadKeyFile(resolveKeyPath(cfg.KeyDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load retired key %s: %w", name, err)
		}
		retired = append(retired, k)
	}

	logger.Info("Loaded signing keys",
		"active_key_id", active.ID,
		"algorithm", active.Algorithm,
		"retired_keys", len(retired))

	return NewKeySet(active, append(opts, WithRetiredKeys(retired...))...)
}

// Reload re-reads the active key named by cfg and rotates to it when its
// ID differs from the current active key. Without a signing key file a
// fresh ephemeral key is rotated in. It reports whether a rotation happened.
func (ks *KeySet) Reload(cfg KeyConfig) (bool, error) {
	var (
		next *Key
		err  error
	)
	if cfg.SigningKeyFile == "" {
		next, err = GenerateKey(jose.SignatureAlgorithm(cfg.Algorithm))
	} else {
		next, err = LoadKeyFile(resolveKeyPath(cfg.KeyDir, cfg.SigningKeyFile))
	}
	if err != nil {
		return false, fmt.Errorf("failed to load signing key: %w", err)
	}

	if next.ID == ks.ActiveKeyID() {
		ks.logger.Info("Signing key unchanged", "key_id", next.ID)
		return false, nil
	}
	if err := ks.Rotate(next); err != nil {
		return false, err
	}
	return true, nil
}

func resolveKeyPath(dir, name string) string {
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
