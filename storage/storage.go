// Package storage defines interfaces for persisting OAuth clients, authorization flows and refresh tokens.
// It supports various backend implementations including in-memory, Valkey and SQL databases.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient stores a new client. It fails with ErrClientExists when
	// the client ID is already registered. The check and the insert are a
	// single atomic step so concurrent seeders cannot both win.
	CreateClient(ctx context.Context, client *Client) error

	// SaveClient creates or replaces a client (explicit administrative update).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for managing suspended authorization
// requests and the authorization codes issued once they complete.
//
// # Pending authorizations
//
// An authorization request that needs the resource owner to log in is
// persisted as a PendingAuthorization before the user agent leaves for the
// login collaborator. The server hands the collaborator a signed state that
// carries only the pending ID; the callback resolves that ID back into the
// original request. ConsumePendingAuthorization is single use, so a replayed
// callback cannot mint a second code.
//
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SavePendingAuthorization stores a suspended authorization request
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// GetPendingAuthorization retrieves a suspended request without consuming it
	GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// ConsumePendingAuthorization atomically retrieves and deletes a suspended request.
	ConsumePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// DeletePendingAuthorization removes a suspended request
	DeletePendingAuthorization(ctx context.Context, id string) error

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
	// Returns the auth code if successful, or an error if:
	//   - Code not found (ErrAuthorizationCodeNotFound)
	//   - Code expired (ErrAuthorizationCodeExpired)
	//   - Code already used (ErrAuthorizationCodeUsed, returned together with the code
	//     so the caller can revoke what was issued from it)
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange attacks.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists refresh tokens and the family metadata used for
// rotation and reuse detection.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveRefreshToken saves a refresh token and records (or advances) its family.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a live refresh token
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token.
	// Returns ErrTokenNotFound if the token is absent (possibly already rotated) and
	// ErrTokenExpired if it is past its expiry.
	// SECURITY: This operation MUST be atomic to prevent concurrent token refresh attacks.
	// Family metadata is NOT removed: it must outlive the token for reuse detection.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token
	DeleteRefreshToken(ctx context.Context, token string) error

	// GetRefreshTokenFamily retrieves family metadata for a refresh token,
	// including tokens that were already rotated away.
	GetRefreshTokenFamily(ctx context.Context, token string) (*RefreshTokenFamilyMetadata, error)

	// RevokeRefreshTokenFamily revokes all tokens in a family
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error

	// RevokeAllTokensForUserClient revokes every refresh token family for a user+client pair.
	// Returns the number of live tokens deleted.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Store bundles every storage interface. All bundled back-ends implement it.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
}

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	PostLogoutRedirectURIs  []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	RequirePKCE             bool
	CreatedAt               time.Time
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// PendingAuthorization is an authorization request suspended while the
// resource owner authenticates with the login collaborator.
type PendingAuthorization struct {
	ID                   string
	ClientID             string
	RedirectURI          string
	Scope                string
	State                string // Client's state parameter, echoed on the final redirect
	CodeChallenge        string
	CodeChallengeMethod  string
	Nonce                string
	ProviderState        string // State sent to the login collaborator
	ProviderCodeVerifier string // Server-to-provider PKCE verifier (encrypted at rest when configured)
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	// Version increases on every state change; SQL back-ends use it for
	// optimistic concurrency control.
	Version int
}

// RefreshToken is a persisted, rotating refresh token.
type RefreshToken struct {
	Token      string
	UserID     string
	ClientID   string
	Scope      string
	FamilyID   string
	Generation int
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// RefreshTokenFamilyMetadata contains metadata about a token family
type RefreshTokenFamilyMetadata struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time // When this family was revoked (for forensics and cleanup)
}

// DefaultRevokedFamilyRetentionDays is how long revoked family metadata is
// kept so that late replays of stolen tokens are still recognised.
const DefaultRevokedFamilyRetentionDays = 90
