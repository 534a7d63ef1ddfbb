package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// expiredRecordGrace keeps records around for a while after they expire
	// so that late presentations are reported as expired or replayed rather
	// than unknown.
	expiredRecordGrace = 10 * time.Minute

	// MaxTokenLength is the maximum allowed length for token strings (512 bytes)
	// This prevents DoS attacks via excessively large tokens
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID, familyID)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is how long revoked token family metadata
	// is kept for reuse detection. Default: 90 days
	RevokedFamilyRetentionDays int64
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	mu                         sync.RWMutex
	encryptor                  *security.Encryptor
	revokedFamilyRetentionDays int64
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS in
// cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = storage.DefaultRevokedFamilyRetentionDays
	}

	return &Store{
		client:                     client,
		prefix:                     prefix,
		logger:                     logger,
		revokedFamilyRetentionDays: retentionDays,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for provider code verifiers.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

// SetRevokedFamilyRetentionDays sets how long revoked family metadata is kept.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days <= 0 {
		days = storage.DefaultRevokedFamilyRetentionDays
	}
	s.revokedFamilyRetentionDays = days
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

func (s *Store) revokedRetention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.revokedFamilyRetentionDays) * 24 * time.Hour
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// wrapError annotates a command failure. Anything that is not an error
// reply from the server (refused connections, timeouts, closed clients) is
// marked with storage.ErrStoreUnavailable so callers can retry it.
func wrapError(op string, err error) error {
	if _, ok := valkeygo.IsValkeyErr(err); ok {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, storage.ErrStoreUnavailable, err)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Key Helpers
// ============================================================
//
// Codes and refresh tokens are never used as keys directly; their
// storage.HashToken digest is.

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// pendingKey returns the key for a suspended request: {prefix}pending:{id}
func (s *Store) pendingKey(id string) string {
	return fmt.Sprintf("%spending:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{sha256(code)}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, storage.HashToken(code))
}

// refreshTokenKey returns the key for a live refresh token: {prefix}refresh:{hash}
func (s *Store) refreshTokenKey(tokenHash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, tokenHash)
}

// lineageKey maps any token ever issued to its family: {prefix}lineage:{hash}
func (s *Store) lineageKey(tokenHash string) string {
	return fmt.Sprintf("%slineage:%s", s.prefix, tokenHash)
}

// familyKey returns the key for family metadata: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// familyTokensKey returns the set of token hashes in a family: {prefix}family:{familyID}:tokens
func (s *Store) familyTokensKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:tokens", s.prefix, familyID)
}

// userClientKey returns the set of family IDs for a user+client pair: {prefix}userclient:{userID}:{clientID}
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicCheckAndMarkCodeUsed atomically checks if an authorization code
// is unused and marks it as used.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the JSON as stored before marking, on success
//   - "NOT_FOUND" if the key doesn't exist
//   - "ALREADY_USED:<json>" if the code was already used
//   - "EXPIRED" if the code has expired
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.used then
    return 'ALREADY_USED:' .. data
end

local cutoff = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and expiresAt > 0 and cutoff >= expiresAt then
    return 'EXPIRED'
end

code.used = true
code.version = (tonumber(code.version) or 0) + 1
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaSaveRefreshToken stores a refresh token and records or advances its
// family in one step, refusing families that were revoked.
//
// KEYS[1] = family metadata key
// KEYS[2] = refresh token key
// KEYS[3] = lineage key
// KEYS[4] = family token set key
// KEYS[5] = user+client family set key
// ARGV[1] = refresh token JSON
// ARGV[2] = family metadata JSON for a new family
// ARGV[3] = generation
// ARGV[4] = issued at (Unix seconds)
// ARGV[5] = TTL in milliseconds
// ARGV[6] = family ID
// ARGV[7] = token hash
//
// Returns "OK" or "REVOKED".
const luaSaveRefreshToken = `
local family = redis.call('GET', KEYS[1])
if family then
    local f = cjson.decode(family)
    if f.revoked then
        return 'REVOKED'
    end
    f.generation = tonumber(ARGV[3])
    f.issued_at = tonumber(ARGV[4])
    family = cjson.encode(f)
else
    family = ARGV[2]
end

local ttl = tonumber(ARGV[5])
local current = redis.call('PTTL', KEYS[1])
if current > ttl then
    ttl = current
end

redis.call('SET', KEYS[1], family, 'PX', ttl)
redis.call('SET', KEYS[2], ARGV[1], 'PX', tonumber(ARGV[5]))
redis.call('SET', KEYS[3], ARGV[6], 'PX', ttl)
redis.call('SADD', KEYS[4], ARGV[7])
redis.call('PEXPIRE', KEYS[4], ttl)
redis.call('SADD', KEYS[5], ARGV[6])
if redis.call('PTTL', KEYS[5]) < ttl then
    redis.call('PEXPIRE', KEYS[5], ttl)
end

return 'OK'
`

// luaAtomicGetAndDeleteRefresh atomically retrieves and deletes a live
// refresh token. Expired tokens are left in place so that a second
// presentation is still reported as expired.
//
// KEYS[1] = refresh token key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the token JSON, "NOT_FOUND" or "EXPIRED".
const luaAtomicGetAndDeleteRefresh = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rt = cjson.decode(data)
local expiresAt = tonumber(rt.expires_at)
if expiresAt and expiresAt > 0 and tonumber(ARGV[1]) >= expiresAt then
    return 'EXPIRED'
end

redis.call('DEL', KEYS[1])
return data
`

// luaMarkFamilyRevoked flags family metadata as revoked and extends it to
// the retention period. Revoking twice keeps the first revocation time.
//
// KEYS[1] = family metadata key
// KEYS[2] = family token set key
// ARGV[1] = revocation time (Unix seconds)
// ARGV[2] = retention in milliseconds
//
// Returns "NOT_FOUND" or "OK".
const luaMarkFamilyRevoked = `
local family = redis.call('GET', KEYS[1])
if not family then
    return 'NOT_FOUND'
end

local f = cjson.decode(family)
if not f.revoked then
    f.revoked = true
    f.revoked_at = tonumber(ARGV[1])
end

local retention = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(f), 'PX', retention)
redis.call('PEXPIRE', KEYS[2], retention)
return 'OK'
`

// evalScript runs a Lua script and returns its string reply.
func (s *Store) evalScript(ctx context.Context, script string, keys []string, args ...string) (string, error) {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
}

// expiryCutoff is the Unix time a record's expires_at is compared against
// inside scripts. A record expiring in the current second is already
// treated as expired.
func expiryCutoff() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	PostLogoutRedirectURIs  []string `json:"post_logout_redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	RequirePKCE             bool     `json:"require_pkce,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		PostLogoutRedirectURIs:  client.PostLogoutRedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		RequirePKCE:             client.RequirePKCE,
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		PostLogoutRedirectURIs:  j.PostLogoutRedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		RequirePKCE:             j.RequirePKCE,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// pendingAuthorizationJSON is the JSON representation of a suspended request
type pendingAuthorizationJSON struct {
	ID                   string `json:"id"`
	ClientID             string `json:"client_id"`
	RedirectURI          string `json:"redirect_uri"`
	Scope                string `json:"scope,omitempty"`
	State                string `json:"state"`
	CodeChallenge        string `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string `json:"code_challenge_method,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	ProviderState        string `json:"provider_state,omitempty"`
	ProviderCodeVerifier string `json:"provider_code_verifier,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func toPendingAuthorizationJSON(p *storage.PendingAuthorization) *pendingAuthorizationJSON {
	return &pendingAuthorizationJSON{
		ID:                   p.ID,
		ClientID:             p.ClientID,
		RedirectURI:          p.RedirectURI,
		Scope:                p.Scope,
		State:                p.State,
		CodeChallenge:        p.CodeChallenge,
		CodeChallengeMethod:  p.CodeChallengeMethod,
		Nonce:                p.Nonce,
		ProviderState:        p.ProviderState,
		ProviderCodeVerifier: p.ProviderCodeVerifier,
		CreatedAt:            p.CreatedAt.Unix(),
		ExpiresAt:            p.ExpiresAt.Unix(),
	}
}

func fromPendingAuthorizationJSON(j *pendingAuthorizationJSON) *storage.PendingAuthorization {
	if j == nil {
		return nil
	}
	return &storage.PendingAuthorization{
		ID:                   j.ID,
		ClientID:             j.ClientID,
		RedirectURI:          j.RedirectURI,
		Scope:                j.Scope,
		State:                j.State,
		CodeChallenge:        j.CodeChallenge,
		CodeChallengeMethod:  j.CodeChallengeMethod,
		Nonce:                j.Nonce,
		ProviderState:        j.ProviderState,
		ProviderCodeVerifier: j.ProviderCodeVerifier,
		CreatedAt:            time.Unix(j.CreatedAt, 0),
		ExpiresAt:            time.Unix(j.ExpiresAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code.
// The code itself is not stored; the key carries its hash.
type authorizationCodeJSON struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UserID              string `json:"user_id"`
	Nonce               string `json:"nonce,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
	Version             int    `json:"version"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UserID:              code.UserID,
		Nonce:               code.Nonce,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
		Version:             code.Version,
	}
}

func fromAuthorizationCodeJSON(code string, j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserID:              j.UserID,
		Nonce:               j.Nonce,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
		Version:             j.Version,
	}
}

// refreshTokenJSON is the JSON representation of a live refresh token
type refreshTokenJSON struct {
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope,omitempty"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func toRefreshTokenJSON(rt *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		UserID:     rt.UserID,
		ClientID:   rt.ClientID,
		Scope:      rt.Scope,
		FamilyID:   rt.FamilyID,
		Generation: rt.Generation,
		IssuedAt:   rt.IssuedAt.Unix(),
		ExpiresAt:  rt.ExpiresAt.Unix(),
	}
}

func fromRefreshTokenJSON(token string, j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:      token,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Scope:      j.Scope,
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
	}
}

// refreshTokenFamilyJSON is the JSON representation of refresh token family metadata
type refreshTokenFamilyJSON struct {
	FamilyID   string `json:"family_id"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func toRefreshTokenFamilyJSON(meta *storage.RefreshTokenFamilyMetadata) *refreshTokenFamilyJSON {
	j := &refreshTokenFamilyJSON{
		FamilyID:   meta.FamilyID,
		UserID:     meta.UserID,
		ClientID:   meta.ClientID,
		Generation: meta.Generation,
		IssuedAt:   meta.IssuedAt.Unix(),
		Revoked:    meta.Revoked,
	}
	if !meta.RevokedAt.IsZero() {
		j.RevokedAt = meta.RevokedAt.Unix()
	}
	return j
}

func fromRefreshTokenFamilyJSON(j *refreshTokenFamilyJSON) *storage.RefreshTokenFamilyMetadata {
	if j == nil {
		return nil
	}
	meta := &storage.RefreshTokenFamilyMetadata{
		FamilyID:   j.FamilyID,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		Revoked:    j.Revoked,
	}
	if j.RevokedAt > 0 {
		meta.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return meta
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key and decodes its JSON value.
func getAndUnmarshal[J any](ctx context.Context, s *Store, key string, notFoundErr error) (*J, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, wrapError("get data", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &j, nil
}

// recordTTL returns how long a record expiring at expiresAt is kept.
// It never returns less than a second so that already expired records can
// still be written and reported as expired.
func recordTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + expiredRecordGrace
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
