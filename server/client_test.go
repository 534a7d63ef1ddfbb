package server

import (
	"context"
	"errors"
	"testing"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/storage"
	"github.com/Osminogka/OAuthServer/storage/memory"
	storagemock "github.com/Osminogka/OAuthServer/storage/mock"
)

const presetSecret = "this-is-a-preset-secret-of-40-chars-long"

func TestRegisterClient_Public(t *testing.T) {
	env := newTestEnv(t, nil)

	client, secret, err := env.srv.RegisterClient(context.Background(), ClientDescriptor{
		ClientName:              "Native App",
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"http://127.0.0.1:9000/cb", "com.example.app:/oauth"},
		Scopes:                  []string{"email"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" {
		t.Error("public clients must not get a secret")
	}
	if client.ClientID == "" {
		t.Error("ClientID should be generated")
	}
	if client.ClientType != storage.ClientTypePublic {
		t.Errorf("ClientType = %q, want public", client.ClientType)
	}
	if !client.RequirePKCE {
		t.Error("public clients must require PKCE")
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) || !client.HasGrantType(GrantTypeRefreshToken) {
		t.Errorf("GrantTypes = %v, want both defaults", client.GrantTypes)
	}

	stored, err := env.store.GetClient(context.Background(), client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.ClientSecretHash != "" {
		t.Error("public client should have no secret hash")
	}
}

func TestRegisterClient_ConfidentialGeneratedSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	client, secret, err := env.srv.RegisterClient(context.Background(), ClientDescriptor{
		ClientID:     "backend",
		RedirectURIs: []string{"https://backend.example.com/cb"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret == "" {
		t.Fatal("confidential clients should get a secret")
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("TokenEndpointAuthMethod = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
	}
	if client.ClientSecretHash == secret {
		t.Error("secret must be stored hashed")
	}

	if _, err := env.srv.AuthenticateClient(context.Background(), "backend", secret); err != nil {
		t.Errorf("AuthenticateClient() with returned secret error = %v", err)
	}
}

func TestRegisterClient_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.srv.RegisterClient(context.Background(), ClientDescriptor{
		ClientID:                testutil.TestClientID,
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"https://other.example.com/cb"},
	})
	if !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("RegisterClient() error = %v, want ErrDuplicateClient", err)
	}

	client, err := env.srv.GetClient(context.Background(), testutil.TestClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if client.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Error("duplicate registration must not overwrite the existing client")
	}
}

func TestRegisterClient_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name       string
		descriptor ClientDescriptor
		wantErr    error
	}{
		{
			name:       "no redirect URIs",
			descriptor: ClientDescriptor{TokenEndpointAuthMethod: TokenEndpointAuthMethodNone},
			wantErr:    ErrInvalidRedirectURI,
		},
		{
			name: "fragment in redirect",
			descriptor: ClientDescriptor{
				TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
				RedirectURIs:            []string{"https://app.example.com/cb#x"},
			},
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name: "public client with secret auth",
			descriptor: ClientDescriptor{
				ClientType:              storage.ClientTypePublic,
				TokenEndpointAuthMethod: TokenEndpointAuthMethodBasic,
				RedirectURIs:            []string{"https://app.example.com/cb"},
			},
			wantErr: ErrInvalidClientMetadata,
		},
		{
			name: "unknown auth method",
			descriptor: ClientDescriptor{
				TokenEndpointAuthMethod: "private_key_jwt",
				RedirectURIs:            []string{"https://app.example.com/cb"},
			},
			wantErr: ErrInvalidClientMetadata,
		},
		{
			name: "implicit grant",
			descriptor: ClientDescriptor{
				TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
				RedirectURIs:            []string{"https://app.example.com/cb"},
				GrantTypes:              []string{"implicit"},
			},
			wantErr: ErrInvalidClientMetadata,
		},
		{
			name: "bad scope",
			descriptor: ClientDescriptor{
				TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
				RedirectURIs:            []string{"https://app.example.com/cb"},
				Scopes:                  []string{"has space"},
			},
			wantErr: ErrInvalidClientMetadata,
		},
		{
			name: "public client with preset secret",
			descriptor: ClientDescriptor{
				TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
				RedirectURIs:            []string{"https://app.example.com/cb"},
				ClientSecret:            presetSecret,
			},
			wantErr: ErrInvalidClientMetadata,
		},
		{
			name: "short preset secret",
			descriptor: ClientDescriptor{
				RedirectURIs: []string{"https://app.example.com/cb"},
				ClientSecret: "short",
			},
			wantErr: ErrInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			_, _, err := env.srv.RegisterClient(context.Background(), tt.descriptor)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RegisterClient() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterClient_UnsupportedScope(t *testing.T) {
	cfg := testConfig()
	cfg.SupportedScopes = []string{"email"}
	env := newTestEnv(t, cfg)

	_, _, err := env.srv.RegisterClient(context.Background(), ClientDescriptor{
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"https://app.example.com/cb"},
		Scopes:                  []string{"email", "admin"},
	})
	if !errors.Is(err, ErrInvalidClientMetadata) {
		t.Fatalf("RegisterClient() error = %v, want ErrInvalidClientMetadata", err)
	}
}

func TestEnsureClientExists(t *testing.T) {
	env := newTestEnv(t, nil)
	descriptor := ClientDescriptor{
		ClientID:     "seeded-backend",
		ClientSecret: presetSecret,
		RedirectURIs: []string{"https://backend.example.com/cb"},
		Scopes:       []string{"email"},
	}

	client, created, err := env.srv.EnsureClientExists(context.Background(), descriptor)
	if err != nil {
		t.Fatalf("EnsureClientExists() error = %v", err)
	}
	if !created {
		t.Error("first call should create the client")
	}

	descriptor.Scopes = []string{"email", "profile"}
	again, created, err := env.srv.EnsureClientExists(context.Background(), descriptor)
	if err != nil {
		t.Fatalf("EnsureClientExists() second call error = %v", err)
	}
	if created {
		t.Error("second call should not create the client")
	}
	if again.ClientSecretHash != client.ClientSecretHash || len(again.Scopes) != 1 {
		t.Error("existing client must be left untouched")
	}

	if _, err := env.srv.AuthenticateClient(context.Background(), "seeded-backend", presetSecret); err != nil {
		t.Errorf("AuthenticateClient() with preset secret error = %v", err)
	}
}

func TestEnsureClientExists_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, _, err := env.srv.EnsureClientExists(context.Background(), ClientDescriptor{}); !errors.Is(err, ErrInvalidClientMetadata) {
		t.Errorf("missing client_id error = %v, want ErrInvalidClientMetadata", err)
	}

	_, _, err := env.srv.EnsureClientExists(context.Background(), ClientDescriptor{
		ClientID:     "no-secret",
		RedirectURIs: []string{"https://backend.example.com/cb"},
	})
	if !errors.Is(err, ErrInvalidClientMetadata) {
		t.Errorf("confidential without secret error = %v, want ErrInvalidClientMetadata", err)
	}
}

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t, nil)
	confidential := testutil.GenerateConfidentialClient(t)
	if err := env.store.CreateClient(context.Background(), confidential); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"public without secret", testutil.TestClientID, "", false},
		{"public with secret", testutil.TestClientID, "anything", true},
		{"confidential correct secret", confidential.ClientID, testutil.TestClientSecret, false},
		{"confidential wrong secret", confidential.ClientID, "wrong", true},
		{"confidential missing secret", confidential.ClientID, "", true},
		{"unknown client", "ghost", "whatever", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.srv.AuthenticateClient(context.Background(), tt.clientID, tt.secret)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidClientCredentials) {
					t.Fatalf("AuthenticateClient() error = %v, want ErrInvalidClientCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}

func TestGetClient_Cache(t *testing.T) {
	mem := memory.New()
	t.Cleanup(mem.Stop)
	faulty := storagemock.Wrap(mem)
	env := newTestEnvWithStore(t, testConfig(), faulty, mem)

	for range 3 {
		if _, err := env.srv.GetClient(context.Background(), testutil.TestClientID); err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
	}
	if got := faulty.GetCallCount("GetClient"); got != 1 {
		t.Errorf("store GetClient calls = %d, want 1", got)
	}

	// Returned clients are copies.
	client, _ := env.srv.GetClient(context.Background(), testutil.TestClientID)
	client.RedirectURIs[0] = "https://evil.example.com/cb"
	again, _ := env.srv.GetClient(context.Background(), testutil.TestClientID)
	if again.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Error("mutating a returned client changed the cache")
	}
}

func TestGetClient_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.srv.GetClient(context.Background(), "ghost")
	if !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("GetClient() error = %v, want ErrClientNotFound", err)
	}
	if _, err := env.srv.GetClient(context.Background(), ""); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("GetClient(\"\") error = %v, want ErrClientNotFound", err)
	}
}

func TestListClients(t *testing.T) {
	env := newTestEnv(t, nil)

	clients, err := env.srv.ListClients(context.Background())
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 || clients[0].ClientID != testutil.TestClientID {
		t.Errorf("ListClients() = %v, want only the test client", clients)
	}
}
