package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Osminogka/OAuthServer/pkce"
	"github.com/Osminogka/OAuthServer/storage"
)

// Fixture values shared across packages
const (
	TestClientID     = "spa-client"
	TestRedirectURI  = "http://localhost:8080/callback"
	TestUserID       = "user-123"
	TestClientSecret = "s3cr3t-for-tests"
)

// GenerateRandomString generates a random base64url string of exactly length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = pkce.GenerateVerifier()
	return pkce.S256Challenge(verifier), verifier
}

// GenerateTestClient returns the public SPA client used throughout the tests.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                TestClientID,
		ClientType:              storage.ClientTypePublic,
		RedirectURIs:            []string{TestRedirectURI},
		PostLogoutRedirectURIs:  []string{"http://localhost:8080/"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "SPA Client",
		Scopes:                  []string{"email", "profile", "api"},
		RequirePKCE:             true,
		CreatedAt:               time.Now(),
	}
}

// GenerateConfidentialClient returns a confidential client whose secret is
// TestClientSecret.
func GenerateConfidentialClient(t *testing.T) *storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return &storage.Client{
		ClientID:                "backend-client",
		ClientSecretHash:        string(hash),
		ClientType:              storage.ClientTypeConfidential,
		RedirectURIs:            []string{"https://backend.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Backend Client",
		Scopes:                  []string{"email"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPendingAuthorization returns a pending request for the test client.
func GenerateTestPendingAuthorization() *storage.PendingAuthorization {
	challenge, _ := GeneratePKCEPair()
	now := time.Now()
	return &storage.PendingAuthorization{
		ID:                   GenerateRandomString(32),
		ClientID:             TestClientID,
		RedirectURI:          TestRedirectURI,
		Scope:                "email profile",
		State:                GenerateRandomString(16),
		CodeChallenge:        challenge,
		CodeChallengeMethod:  pkce.MethodS256,
		ProviderCodeVerifier: pkce.GenerateVerifier(),
		CreatedAt:            now,
		ExpiresAt:            now.Add(10 * time.Minute),
	}
}

// GenerateTestAuthorizationCode returns an unused code for the test client.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            TestClientID,
		RedirectURI:         TestRedirectURI,
		Scope:               "email profile",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		UserID:              TestUserID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestRefreshToken returns a first-generation refresh token in a new family.
func GenerateTestRefreshToken() *storage.RefreshToken {
	now := time.Now()
	return &storage.RefreshToken{
		Token:      GenerateRandomString(43),
		UserID:     TestUserID,
		ClientID:   TestClientID,
		Scope:      "email profile",
		FamilyID:   GenerateRandomString(22),
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

// Expired returns a time one second in the past.
func Expired() time.Time {
	return time.Now().Add(-time.Second)
}
