package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/providers/mock"
	"github.com/Osminogka/OAuthServer/storage"
	"github.com/Osminogka/OAuthServer/storage/memory"
	"github.com/Osminogka/OAuthServer/storage/sqlstore"
)

func exchange(env *testEnv, code, verifier string) (*TokenResult, error) {
	return env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		ClientID:     testutil.TestClientID,
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
		ClientIP:     "192.0.2.1",
	})
}

func refresh(env *testEnv, token string) (*TokenResult, error) {
	return env.srv.RefreshAccessToken(context.Background(), RefreshRequest{
		ClientID:     testutil.TestClientID,
		RefreshToken: token,
	})
}

func TestExchangeAuthorizationCode_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email profile")

	result, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if result.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want Bearer", result.TokenType)
	}
	if result.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", result.ExpiresIn)
	}
	if result.Scope != "email profile" {
		t.Errorf("Scope = %q, want %q", result.Scope, "email profile")
	}
	if result.RefreshToken == "" {
		t.Error("public client with refresh grant should get a refresh token")
	}

	claims, err := env.keys.Verify(result.AccessToken, testIssuer)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != mock.DefaultSubject {
		t.Errorf("sub = %q, want %q", claims.Subject, mock.DefaultSubject)
	}
	if claims.ClientID != testutil.TestClientID {
		t.Errorf("client_id = %q, want %q", claims.ClientID, testutil.TestClientID)
	}
	if claims.Scope != "email profile" {
		t.Errorf("scope = %q, want %q", claims.Scope, "email profile")
	}
	if claims.Issuer != testIssuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, testIssuer)
	}
	if claims.ID == "" {
		t.Error("jti should be set")
	}

	stored, err := env.store.GetRefreshToken(context.Background(), result.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if stored.Generation != 0 || stored.FamilyID == "" {
		t.Errorf("new family = (%q, %d), want fresh family at generation 0", stored.FamilyID, stored.Generation)
	}
}

func TestExchangeAuthorizationCode_ReuseRevokesTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email")

	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err = exchange(env, code, verifier)
	if !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("second exchange error = %v, want ErrCodeAlreadyUsed", err)
	}
	if !IsSecurityEvent(err) {
		t.Error("code reuse should be a security event")
	}

	// Everything issued from the code is gone.
	_, err = refresh(env, first.RefreshToken)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh after code reuse error = %v, want ErrTokenRevoked", err)
	}
}

func TestExchangeAuthorizationCode_ReuseByAnotherClientRevokesVictim(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email")

	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err = env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		ClientID:     "attacker",
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
	})
	if !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrCodeAlreadyUsed", err)
	}

	if _, err := env.store.GetRefreshToken(context.Background(), first.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("victim refresh token should be revoked, got %v", err)
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TokenRequest)
		wantErr error
	}{
		{"unknown code", func(r *TokenRequest) { r.Code = "does-not-exist" }, ErrCodeNotFound},
		{"wrong client", func(r *TokenRequest) { r.ClientID = "other-client" }, ErrClientMismatch},
		{"wrong redirect", func(r *TokenRequest) { r.RedirectURI = "http://localhost:8080/other" }, ErrRedirectURIMismatch},
		{"missing verifier", func(r *TokenRequest) { r.CodeVerifier = "" }, ErrPKCEMismatch},
		{"wrong verifier", func(r *TokenRequest) { _, r.CodeVerifier = testutil.GeneratePKCEPair() }, ErrPKCEMismatch},
		{"malformed verifier", func(r *TokenRequest) { r.CodeVerifier = "short" }, ErrPKCEMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			code, verifier := authorize(t, env, "email")

			req := TokenRequest{
				ClientID:     testutil.TestClientID,
				Code:         code,
				RedirectURI:  testutil.TestRedirectURI,
				CodeVerifier: verifier,
			}
			tt.mutate(&req)

			_, err := env.srv.ExchangeAuthorizationCode(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExchangeAuthorizationCode() error = %v, want %v", err, tt.wantErr)
			}
			if ErrorCode(err) != ErrorCodeInvalidGrant {
				t.Errorf("ErrorCode() = %q, want invalid_grant", ErrorCode(err))
			}

			// A failed attempt still consumes the code.
			if tt.wantErr != ErrCodeNotFound {
				if _, err := exchange(env, code, verifier); !errors.Is(err, ErrCodeAlreadyUsed) {
					t.Errorf("retry after failure error = %v, want ErrCodeAlreadyUsed", err)
				}
			}
		})
	}
}

func TestExchangeAuthorizationCode_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = testutil.Expired()
	if err := env.store.SaveAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := exchange(env, code.Code, "")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("ExchangeAuthorizationCode() error = %v, want ErrCodeExpired", err)
	}
}

func TestExchangeAuthorizationCode_ScopeNoLongerAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()

	code := testutil.GenerateTestAuthorizationCode()
	code.Scope = "admin"
	code.CodeChallenge = challenge
	if err := env.store.SaveAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := exchange(env, code.Code, verifier)
	if !errors.Is(err, ErrScopeNotGranted) {
		t.Fatalf("ExchangeAuthorizationCode() error = %v, want ErrScopeNotGranted", err)
	}
	if ErrorCode(err) != ErrorCodeInvalidScope {
		t.Errorf("ErrorCode() = %q, want invalid_scope", ErrorCode(err))
	}
}

func TestExchangeAuthorizationCode_ConfidentialWithoutRefreshGrant(t *testing.T) {
	cfg := testConfig()
	cfg.AllowRefreshTokenRotation = true
	cfg.RequirePKCE = false
	env := newTestEnv(t, cfg)

	client := testutil.GenerateConfidentialClient(t)
	if err := env.store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	code, err := env.srv.IssueAuthorizationCode(context.Background(), CodeRequest{
		ClientID:    client.ClientID,
		UserID:      testutil.TestUserID,
		RedirectURI: client.RedirectURIs[0],
		Scope:       "email",
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	result, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		ClientID:    client.ClientID,
		Code:        code,
		RedirectURI: client.RedirectURIs[0],
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if result.RefreshToken != "" {
		t.Error("client without refresh_token grant must not receive a refresh token")
	}
}

func TestExchangeAuthorizationCode_Concurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email")

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reused    int
	)
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := exchange(env, code, verifier)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCodeAlreadyUsed):
				reused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if reused != attempts-1 {
		t.Errorf("reuse errors = %d, want %d", reused, attempts-1)
	}
}

func TestRefreshAccessToken_Rotation(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email profile")
	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	second, err := refresh(env, first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation should issue a new refresh token")
	}
	if second.Scope != "email profile" {
		t.Errorf("Scope = %q, want original scope", second.Scope)
	}

	stored, err := env.store.GetRefreshToken(context.Background(), second.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if stored.Generation != 1 {
		t.Errorf("Generation = %d, want 1", stored.Generation)
	}

	// Presenting the rotated token is reuse: the whole family dies.
	_, err = refresh(env, first.RefreshToken)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("reuse error = %v, want ErrReuseDetected", err)
	}
	_, err = refresh(env, second.RefreshToken)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh with revoked family error = %v, want ErrTokenRevoked", err)
	}
}

func TestRefreshAccessToken_ScopeNarrowing(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email profile")
	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	narrowed, err := env.srv.RefreshAccessToken(context.Background(), RefreshRequest{
		ClientID:     testutil.TestClientID,
		RefreshToken: first.RefreshToken,
		Scope:        "email",
	})
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if narrowed.Scope != "email" {
		t.Errorf("Scope = %q, want email", narrowed.Scope)
	}

	// The refresh token keeps the full grant.
	full, err := refresh(env, narrowed.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if full.Scope != "email profile" {
		t.Errorf("Scope = %q, want original grant", full.Scope)
	}

	_, err = env.srv.RefreshAccessToken(context.Background(), RefreshRequest{
		ClientID:     testutil.TestClientID,
		RefreshToken: full.RefreshToken,
		Scope:        "email api",
	})
	if !errors.Is(err, ErrScopeNotGranted) {
		t.Fatalf("widening error = %v, want ErrScopeNotGranted", err)
	}
}

func TestRefreshAccessToken_RotationDisabled(t *testing.T) {
	stores := []struct {
		name string
		open func(t *testing.T) storage.Store
	}{
		{"memory", func(t *testing.T) storage.Store {
			store := memory.New()
			t.Cleanup(store.Stop)
			return store
		}},
		{"sqlite", func(t *testing.T) storage.Store {
			store, err := sqlstore.Open(context.Background(), sqlstore.Config{
				DSN:    filepath.Join(t.TempDir(), "oauth.db"),
				Logger: discardLogger(),
			})
			if err != nil {
				t.Fatalf("sqlstore.Open() error = %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AllowRefreshTokenRotation = false
			cfg.RequirePKCE = true
			env := newTestEnvWithStore(t, cfg, tt.open(t), nil)

			code, verifier := authorize(t, env, "email")
			first, err := exchange(env, code, verifier)
			if err != nil {
				t.Fatalf("exchange error = %v", err)
			}

			for i := range 3 {
				next, err := refresh(env, first.RefreshToken)
				if err != nil {
					t.Fatalf("refresh %d error = %v", i, err)
				}
				if next.RefreshToken != first.RefreshToken {
					t.Fatalf("refresh %d returned a new token with rotation disabled", i)
				}
			}
		})
	}
}

func TestRefreshAccessToken_RotationDisabledSkipsReuseDetection(t *testing.T) {
	cfg := testConfig()
	cfg.AllowRefreshTokenRotation = false
	cfg.RequirePKCE = true
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	code, verifier := authorize(t, env, "email")
	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	sibling := testutil.GenerateTestRefreshToken()
	if err := env.store.SaveRefreshToken(ctx, sibling); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	// A concurrent refresh holds the token between its delete and re-save.
	if _, err := env.store.AtomicGetAndDeleteRefreshToken(ctx, first.RefreshToken); err != nil {
		t.Fatalf("AtomicGetAndDeleteRefreshToken() error = %v", err)
	}

	if _, err := refresh(env, first.RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("error = %v, want ErrTokenNotFound", err)
	}
	if _, err := env.store.GetRefreshToken(ctx, sibling.Token); err != nil {
		t.Errorf("other tokens of the user were revoked: %v", err)
	}
	family, err := env.store.GetRefreshTokenFamily(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily() error = %v", err)
	}
	if family.Revoked {
		t.Error("family revoked with rotation disabled")
	}
}

func TestRefreshAccessToken_Failures(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("unknown token", func(t *testing.T) {
		_, err := refresh(env, "never-issued")
		if !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("error = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		rt := testutil.GenerateTestRefreshToken()
		rt.ExpiresAt = testutil.Expired()
		if err := env.store.SaveRefreshToken(context.Background(), rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		_, err := refresh(env, rt.Token)
		if !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("wrong client", func(t *testing.T) {
		rt := testutil.GenerateTestRefreshToken()
		if err := env.store.SaveRefreshToken(context.Background(), rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		_, err := env.srv.RefreshAccessToken(context.Background(), RefreshRequest{
			ClientID:     "other-client",
			RefreshToken: rt.Token,
		})
		if !errors.Is(err, ErrClientMismatch) {
			t.Fatalf("error = %v, want ErrClientMismatch", err)
		}
	})
}

func TestRefreshAccessToken_Concurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	code, verifier := authorize(t, env, "email")
	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := refresh(env, first.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes > 1 {
		t.Errorf("successes = %d, want at most 1", successes)
	}
}

func TestRevokeAllTokensForUserClient(t *testing.T) {
	env := newTestEnv(t, nil)
	var tokens []string
	for range 2 {
		code, verifier := authorize(t, env, "email")
		result, err := exchange(env, code, verifier)
		if err != nil {
			t.Fatalf("exchange error = %v", err)
		}
		tokens = append(tokens, result.RefreshToken)
	}

	n, err := env.srv.RevokeAllTokensForUserClient(context.Background(), mock.DefaultSubject, testutil.TestClientID, "user_logout")
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	for _, tok := range tokens {
		if _, err := refresh(env, tok); !errors.Is(err, ErrTokenRevoked) {
			t.Errorf("refresh after revoke error = %v, want ErrTokenRevoked", err)
		}
	}
}

func TestIssueTokens_AccessTokenExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.AccessTokenTTL = 60
	env := newTestEnv(t, cfg)

	code, verifier := authorize(t, env, "email")
	before := time.Now()
	result, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	if result.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", result.ExpiresIn)
	}
	if result.ExpiresAt.Before(before.Add(59*time.Second)) || result.ExpiresAt.After(time.Now().Add(61*time.Second)) {
		t.Errorf("ExpiresAt = %v, want about a minute from now", result.ExpiresAt)
	}
}
