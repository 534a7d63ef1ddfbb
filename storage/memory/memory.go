// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	// This provides enough uniqueness for debugging while keeping logs secure
	tokenIDLogLength = 8

	// maxFamilyMetadataEntries is the threshold for warning about excessive family metadata
	maxFamilyMetadataEntries = 10000

	// hardMaxFamilyMetadataEntries is the hard limit for token lineage entries.
	// Exceeding it makes SaveRefreshToken fail instead of growing without bound.
	hardMaxFamilyMetadataEntries = 50000
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	pending   map[string]*storage.PendingAuthorization
	authCodes map[string]*storage.AuthorizationCode

	// Live refresh tokens.
	refreshTokens map[string]*storage.RefreshToken
	// Family metadata by family ID. Outlives the tokens for reuse detection.
	families map[string]*storage.RefreshTokenFamilyMetadata
	// Every refresh token ever issued -> family ID, including rotated ones.
	lineage map[string]string

	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	pendingCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	familiesCountAtomic      atomic.Int64

	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	stopOnce                   sync.Once
	logger                     *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
// and default revoked family retention (90 days)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                    make(map[string]*storage.Client),
		pending:                    make(map[string]*storage.PendingAuthorization),
		authCodes:                  make(map[string]*storage.AuthorizationCode),
		refreshTokens:              make(map[string]*storage.RefreshToken),
		families:                   make(map[string]*storage.RefreshTokenFamilyMetadata),
		lineage:                    make(map[string]string),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: storage.DefaultRevokedFamilyRetentionDays,
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetRevokedFamilyRetentionDays sets how long revoked family metadata is kept.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("Set revoked family retention period", "retention_days", days)
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption at rest for provider code verifiers
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for pending authorizations")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.pendingCountAtomic.Store(int64(len(s.pending)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
	s.mu.Unlock()

	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		Clients:               s.clientsCountAtomic.Load,
		PendingAuthorizations: s.pendingCountAtomic.Load,
		AuthorizationCodes:    s.codesCountAtomic.Load,
		RefreshTokens:         s.refreshTokensCountAtomic.Load,
		Families:              s.familiesCountAtomic.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// syncCounters refreshes the metric counters. Caller holds s.mu.
func (s *Store) syncCounters() {
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.pendingCountAtomic.Store(int64(len(s.pending)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a new client, failing with storage.ErrClientExists
// if the ID is taken.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_client", err, start) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	}

	s.clients[client.ClientID] = cloneClient(client)
	s.syncCounters()
	s.logger.Debug("Created client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_client", err, start) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	s.syncCounters()
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		if a.ClientID < b.ClientID {
			return -1
		}
		if a.ClientID > b.ClientID {
			return 1
		}
		return 0
	})
	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization stores a suspended authorization request
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_pending_authorization")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "save_pending_authorization", err, start)
	}(time.Now())

	if pending == nil || pending.ID == "" {
		return fmt.Errorf("pending authorization ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *pending
	stored.ProviderCodeVerifier, err = s.encryptor.Seal(pending.ProviderCodeVerifier, pending.ID)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider verifier: %w", err)
	}

	s.pending[pending.ID] = &stored
	s.syncCounters()
	return nil
}

// GetPendingAuthorization retrieves a suspended request without consuming it
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, ok := s.pending[id]
	if !ok || security.IsTokenExpired(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	return s.openPending(pending)
}

// ConsumePendingAuthorization atomically retrieves and deletes a suspended request
func (s *Store) ConsumePendingAuthorization(ctx context.Context, id string) (_ *storage.PendingAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_pending_authorization")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "consume_pending_authorization", err, start)
	}(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[id]
	if !ok {
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	delete(s.pending, id)
	s.syncCounters()

	if security.IsTokenExpired(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	return s.openPending(pending)
}

// DeletePendingAuthorization removes a suspended request
func (s *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
	s.syncCounters()
	return nil
}

func (s *Store) openPending(p *storage.PendingAuthorization) (*storage.PendingAuthorization, error) {
	out := *p
	verifier, err := s.encryptor.Open(p.ProviderCodeVerifier, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provider verifier: %w", err)
	}
	out.ProviderCodeVerifier = verifier
	return &out, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, start)
	}(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		return fmt.Errorf("authorization code already exists")
	}

	stored := *code
	s.authCodes[code.Code] = &stored
	s.syncCounters()

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	out := *authCode
	return &out, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
//
// The code is returned together with ErrAuthorizationCodeUsed so the caller
// can revoke what was issued from it. For not-found and expired codes nil is
// returned.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, start)
	}(time.Now())

	s.mu.Lock() // write lock: check and set must be one step
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if authCode.Used {
		out := *authCode
		return &out, storage.ErrAuthorizationCodeUsed
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	authCode.Used = true
	authCode.Version++

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	out := *authCode
	return &out, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.syncCounters()
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token and records or advances its family.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_refresh_token", err, start) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if token.UserID == "" || token.ClientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lineage) >= hardMaxFamilyMetadataEntries {
		s.logger.Error("CRITICAL: Refresh token lineage limit exceeded - blocking save to prevent memory exhaustion",
			"current_count", len(s.lineage),
			"hard_limit", hardMaxFamilyMetadataEntries,
			"client_id", token.ClientID)
		return fmt.Errorf("refresh token lineage limit exceeded (%d entries)", len(s.lineage))
	}

	family, ok := s.families[token.FamilyID]
	switch {
	case ok && family.Revoked:
		// Lost a race against reuse detection; the new token must not go live.
		return fmt.Errorf("%w: %s", storage.ErrRefreshTokenFamilyRevoked, util.SafeTruncate(token.FamilyID, tokenIDLogLength))
	case ok:
		family.Generation = token.Generation
		family.IssuedAt = token.IssuedAt
	default:
		s.families[token.FamilyID] = &storage.RefreshTokenFamilyMetadata{
			FamilyID:   token.FamilyID,
			UserID:     token.UserID,
			ClientID:   token.ClientID,
			Generation: token.Generation,
			IssuedAt:   token.IssuedAt,
		}
	}

	stored := *token
	s.refreshTokens[token.Token] = &stored
	s.lineage[token.Token] = token.FamilyID
	s.syncCounters()

	s.logger.Debug("Saved refresh token with family tracking",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a live refresh token
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	out := *rt
	return &out, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token.
// Only one concurrent caller can succeed; the others get ErrTokenNotFound.
// Family metadata and lineage are kept for reuse detection.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, start) }(time.Now())

	s.mu.Lock() // write lock: get and delete must be one step
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
	}

	// Expired tokens stay until cleanup so a second presentation is still
	// reported as expired rather than as reuse.
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	delete(s.refreshTokens, token)
	s.syncCounters()

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"family_id", util.SafeTruncate(rt.FamilyID, tokenIDLogLength),
		"generation", rt.Generation)

	return rt, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, token)
	s.syncCounters()
	return nil
}

// GetRefreshTokenFamily retrieves family metadata for a refresh token,
// live or already rotated.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, token string) (*storage.RefreshTokenFamilyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	familyID, ok := s.lineage[token]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}
	family, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}
	out := *family
	return &out, nil
}

// RevokeRefreshTokenFamily revokes all tokens in a family (for reuse detection)
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, start)
	}(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeFamilyLocked(familyID, time.Now())
	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return nil
}

// revokeFamilyLocked marks a family revoked and deletes its live tokens.
// Caller holds s.mu.
func (s *Store) revokeFamilyLocked(familyID string, now time.Time) int {
	family, ok := s.families[familyID]
	if !ok {
		return 0
	}
	if !family.Revoked {
		family.Revoked = true
		family.RevokedAt = now
	}

	revoked := 0
	for tok, rt := range s.refreshTokens {
		if rt.FamilyID == familyID {
			delete(s.refreshTokens, tok)
			revoked++
		}
	}
	s.syncCounters()
	return revoked
}

// RevokeAllTokensForUserClient revokes every refresh token family for a
// user+client pair. Used when an authorization code is replayed.
// Returns the number of live tokens deleted.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_user_client")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_user_client", err, start)
	}(time.Now())

	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0
	for familyID, family := range s.families {
		if family.UserID == userID && family.ClientID == clientID {
			revoked += s.revokeFamilyLocked(familyID, now)
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for id, p := range s.pending {
		if security.IsTokenExpired(p.ExpiresAt) {
			delete(s.pending, id)
			cleaned++
		}
	}

	// Used codes are kept until expiry so replays are still recognised.
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for tok, rt := range s.refreshTokens {
		if security.IsTokenExpired(rt.ExpiresAt) {
			delete(s.refreshTokens, tok)
			cleaned++
		}
	}

	// Drop families (and their lineage) once nothing live references them:
	// revoked families after the retention period, active ones once every
	// token has expired.
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = storage.DefaultRevokedFamilyRetentionDays
	}
	revokedThreshold := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	liveFamilies := make(map[string]bool, len(s.refreshTokens))
	for _, rt := range s.refreshTokens {
		liveFamilies[rt.FamilyID] = true
	}

	for familyID, family := range s.families {
		var drop bool
		if family.Revoked {
			drop = family.RevokedAt.Before(revokedThreshold)
		} else {
			drop = !liveFamilies[familyID]
		}
		if drop {
			delete(s.families, familyID)
			cleaned++
		}
	}
	for tok, familyID := range s.lineage {
		if _, ok := s.families[familyID]; !ok {
			delete(s.lineage, tok)
		}
	}

	if n := len(s.lineage); n > maxFamilyMetadataEntries {
		s.logger.Warn("Refresh token lineage approaching limit - possible memory exhaustion attack",
			"current_count", n,
			"max_threshold", maxFamilyMetadataEntries)
	}

	s.syncCounters()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil && !storage.IsNotFoundError(err) {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}
