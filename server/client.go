package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Osminogka/OAuthServer/storage"
)

// Token endpoint authentication methods (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// minPresetSecretLength is the shortest client secret accepted from a descriptor.
const minPresetSecretLength = 32

// Pre-computed dummy hash for unknown clients (bcrypt hash of "test") so
// that authenticating a missing client costs the same as a real one.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientDescriptor describes a client to register.
type ClientDescriptor struct {
	// ClientID is generated when empty. Seeded clients set it explicitly.
	ClientID   string
	ClientName string
	// ClientType is "public" or "confidential". Derived from
	// TokenEndpointAuthMethod when empty.
	ClientType              string
	TokenEndpointAuthMethod string
	// ClientSecret presets the secret of a confidential client. When empty
	// a random secret is generated and returned once by RegisterClient.
	ClientSecret           string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	// GrantTypes defaults to authorization_code and refresh_token.
	GrantTypes []string
	// RequirePKCE is forced on for public clients.
	RequirePKCE bool
}

// RegisterClient validates descriptor and stores a new client. For
// confidential clients it returns the plaintext secret, which is never
// stored or shown again. Fails with ErrDuplicateClient if the ID is taken.
func (s *Server) RegisterClient(ctx context.Context, descriptor ClientDescriptor) (*storage.Client, string, error) {
	client, secret, err := s.buildClient(descriptor)
	if err != nil {
		s.Logger.Warn("Client registration rejected",
			"client_id", descriptor.ClientID,
			"error", err,
			"category", GetRedirectURIErrorCategory(err))
		return nil, "", err
	}

	err = storeExec(ctx, s, "create_client", retryIdempotent, func(ctx context.Context) error {
		return s.clientStore.CreateClient(ctx, client)
	})
	if err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, "", fmt.Errorf("%w: %s", ErrDuplicateClient, client.ClientID)
		}
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.clients.invalidate(client.ClientID)

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, "")
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)

	return cloneClient(client), secret, nil
}

// EnsureClientExists registers descriptor unless a client with its ID is
// already present, in which case the stored client is returned untouched
// and created is false. Running it repeatedly is a no-op.
//
// Confidential descriptors must carry ClientSecret: a generated secret
// could not be handed back on later runs.
func (s *Server) EnsureClientExists(ctx context.Context, descriptor ClientDescriptor) (client *storage.Client, created bool, err error) {
	if descriptor.ClientID == "" {
		return nil, false, fmt.Errorf("%w: client_id is required", ErrInvalidClientMetadata)
	}

	existing, err := s.GetClient(ctx, descriptor.ClientID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrClientNotFound) {
		return nil, false, err
	}

	clientType, _ := resolveClientTypeAndAuthMethod(descriptor.ClientType, descriptor.TokenEndpointAuthMethod)
	if clientType == storage.ClientTypeConfidential && descriptor.ClientSecret == "" {
		return nil, false, fmt.Errorf("%w: confidential client %q needs a preset secret", ErrInvalidClientMetadata, descriptor.ClientID)
	}

	client, _, err = s.RegisterClient(ctx, descriptor)
	if errors.Is(err, ErrDuplicateClient) {
		// Another process seeded it first.
		existing, err := s.GetClient(ctx, descriptor.ClientID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return client, true, nil
}

// GetClient retrieves a client by ID, serving repeated lookups from the
// read-mostly client cache.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	if client, ok := s.clients.get(clientID); ok {
		return client, nil
	}

	client, err := storeCall(ctx, s, "get_client", retryIdempotent, func(ctx context.Context) (*storage.Client, error) {
		return s.clientStore.GetClient(ctx, clientID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}

	s.clients.put(client)
	return cloneClient(client), nil
}

// ListClients returns every registered client.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return storeCall(ctx, s, "list_clients", retryIdempotent, s.clientStore.ListClients)
}

// AuthenticateClient checks the credentials presented at the token
// endpoint. Public clients authenticate with client_id alone and must not
// present a secret. Confidential clients must present their secret, which
// is compared with bcrypt. Unknown clients are compared against a dummy
// hash so that response timing does not reveal which IDs exist.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(clientSecret))
			s.logAuthFailure(clientID, "unknown_client")
			return nil, ErrInvalidClientCredentials
		}
		return nil, err
	}

	if client.IsPublic() {
		if clientSecret != "" {
			s.logAuthFailure(clientID, "secret_presented_by_public_client")
			return nil, ErrInvalidClientCredentials
		}
		return client, nil
	}

	if clientSecret == "" || client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(clientSecret))
		s.logAuthFailure(clientID, "missing_client_secret")
		return nil, ErrInvalidClientCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.logAuthFailure(clientID, "invalid_client_secret")
		return nil, ErrInvalidClientCredentials
	}
	return client, nil
}

func (s *Server) logAuthFailure(clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, "", reason)
	}
}

// buildClient turns a descriptor into a validated client record.
func (s *Server) buildClient(d ClientDescriptor) (*storage.Client, string, error) {
	clientType, authMethod := resolveClientTypeAndAuthMethod(d.ClientType, d.TokenEndpointAuthMethod)
	switch clientType {
	case storage.ClientTypePublic:
		if authMethod != TokenEndpointAuthMethodNone {
			return nil, "", fmt.Errorf("%w: public clients must use token_endpoint_auth_method=none", ErrInvalidClientMetadata)
		}
	case storage.ClientTypeConfidential:
		if authMethod != TokenEndpointAuthMethodBasic && authMethod != TokenEndpointAuthMethodPost {
			return nil, "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, authMethod)
		}
	default:
		return nil, "", fmt.Errorf("%w: unknown client type %q", ErrInvalidClientMetadata, clientType)
	}

	if err := s.validateRedirectURIsForRegistration(d.RedirectURIs); err != nil {
		return nil, "", err
	}
	for _, uri := range d.PostLogoutRedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			return nil, "", fmt.Errorf("post_logout_redirect_uri: %w", err)
		}
	}

	grantTypes := d.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, "", fmt.Errorf("%w: unsupported grant type %q", ErrInvalidClientMetadata, gt)
		}
	}

	for _, scope := range d.Scopes {
		if err := validateScopeToken(scope); err != nil {
			return nil, "", fmt.Errorf("%w: scope %q: %w", ErrInvalidClientMetadata, scope, err)
		}
		if len(s.Config.SupportedScopes) > 0 && !slices.Contains(s.Config.SupportedScopes, scope) {
			return nil, "", fmt.Errorf("%w: unsupported scope %q", ErrInvalidClientMetadata, scope)
		}
	}

	clientID := d.ClientID
	if clientID == "" {
		clientID = generateRandomToken()
	}

	secret, secretHash, err := generateClientSecret(clientType, d.ClientSecret)
	if err != nil {
		return nil, "", err
	}

	return &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            slices.Clone(d.RedirectURIs),
		PostLogoutRedirectURIs:  slices.Clone(d.PostLogoutRedirectURIs),
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           []string{"code"},
		ClientName:              d.ClientName,
		Scopes:                  slices.Clone(d.Scopes),
		RequirePKCE:             clientType == storage.ClientTypePublic || d.RequirePKCE || s.Config.RequirePKCE,
		CreatedAt:               time.Now(),
	}, secret, nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		clientType = storage.ClientTypePublic
	} else if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == storage.ClientTypePublic {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		}
	}

	return clientType, tokenEndpointAuthMethod
}

// generateClientSecret returns the plaintext secret and its bcrypt hash
// for confidential clients, or empty values for public ones.
func generateClientSecret(clientType, preset string) (string, string, error) {
	if clientType != storage.ClientTypeConfidential {
		if preset != "" {
			return "", "", fmt.Errorf("%w: public clients cannot have a secret", ErrInvalidClientMetadata)
		}
		return "", "", nil
	}

	clientSecret := preset
	if clientSecret == "" {
		clientSecret = generateRandomToken()
	} else if len(clientSecret) < minPresetSecretLength {
		return "", "", fmt.Errorf("%w: client secret must be at least %d characters", ErrInvalidClientMetadata, minPresetSecretLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// ============================================================
// Client cache
// ============================================================

type cachedClient struct {
	client    *storage.Client
	expiresAt time.Time
}

// clientCache holds recently read clients. Entries expire after ttl and
// are dropped when the client is (re)registered through this server.
// A non-positive ttl disables caching.
type clientCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedClient
}

func newClientCache(ttl time.Duration) *clientCache {
	return &clientCache{
		ttl:     ttl,
		entries: make(map[string]cachedClient),
	}
}

func (c *clientCache) get(clientID string) (*storage.Client, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[clientID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return cloneClient(entry.client), true
}

func (c *clientCache) put(client *storage.Client) {
	if c.ttl <= 0 || client == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[client.ClientID] = cachedClient{
		client:    cloneClient(client),
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *clientCache) invalidate(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, clientID)
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
