package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/signing"
)

// signIn runs a full authorization and returns the issued tokens.
func signIn(t *testing.T, env *testEnv) *TokenResult {
	t.Helper()
	code, verifier := authorize(t, env, "email profile")
	tokens, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	return tokens
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := signIn(t, env)

	info, err := env.srv.UserInfo(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info.Subject != tokens.Subject {
		t.Errorf("Subject = %q, want %q", info.Subject, tokens.Subject)
	}
	if info.ClientID != testutil.TestClientID || info.Scope != "email profile" {
		t.Errorf("UserInfo() = %+v", info)
	}
}

func TestUserInfo_AfterKeyRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := signIn(t, env)

	next, err := signing.GenerateKey(signing.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if err := env.keys.Rotate(next); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if _, err := env.srv.UserInfo(context.Background(), tokens.AccessToken); err != nil {
		t.Errorf("token signed by the retired key rejected: %v", err)
	}
}

func TestUserInfo_InvalidTokens(t *testing.T) {
	env := newTestEnv(t, nil)

	expired, err := env.keys.Sign(signing.AccessTokenClaims{
		Claims: jwt.Claims{
			Issuer:   testIssuer,
			Subject:  testutil.TestUserID,
			Audience: jwt.Audience{testIssuer},
			Expiry:   jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		ClientID: testutil.TestClientID,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	otherKeys := newTestKeySet(t)
	foreign, err := otherKeys.Sign(signing.AccessTokenClaims{
		Claims: jwt.Claims{
			Issuer:   testIssuer,
			Subject:  testutil.TestUserID,
			Audience: jwt.Audience{testIssuer},
			Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"malformed", "not-a-jwt"},
		{"expired", expired},
		{"unknown key", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.UserInfo(context.Background(), tt.token)
			if !errors.Is(err, ErrInvalidAccessToken) {
				t.Errorf("UserInfo() error = %v, want ErrInvalidAccessToken", err)
			}
		})
	}
}

func TestEndSession_RevokesAndRedirects(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := signIn(t, env)

	result, err := env.srv.EndSession(context.Background(), EndSessionRequest{
		PostLogoutRedirectURI: "http://localhost:8080/",
		State:                 "bye",
		TokenHint:             tokens.AccessToken,
	})
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	redirect, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("redirect URL: %v", err)
	}
	if redirect.Query().Get("state") != "bye" || redirect.Path != "/" {
		t.Errorf("RedirectURL = %q", result.RedirectURL)
	}
	if result.TokensRevoked < 1 || result.Subject != tokens.Subject {
		t.Errorf("EndSession() = %+v, want the family revoked", result)
	}

	if _, err := refresh(env, tokens.RefreshToken); !errors.Is(err, ErrTokenRevoked) && !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("refresh after sign-out error = %v, want revoked", err)
	}
}

func TestEndSession_RedirectMustMatchExactly(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := signIn(t, env)

	for _, uri := range []string{
		"http://localhost:8080",
		"http://localhost:8080/?next=evil",
		"https://localhost:8080/",
		"http://attacker.example/",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := env.srv.EndSession(context.Background(), EndSessionRequest{
				ClientID:              testutil.TestClientID,
				PostLogoutRedirectURI: uri,
				TokenHint:             tokens.AccessToken,
			})
			if !errors.Is(err, ErrInvalidPostLogoutRedirectURI) {
				t.Fatalf("EndSession() error = %v, want ErrInvalidPostLogoutRedirectURI", err)
			}
		})
	}

	// Nothing was revoked by the rejected requests.
	if _, err := refresh(env, tokens.RefreshToken); err != nil {
		t.Errorf("refresh after rejected sign-out error = %v", err)
	}
}

func TestEndSession_RequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := signIn(t, env)

	tests := []struct {
		name string
		req  EndSessionRequest
		want error
	}{
		{"redirect without client", EndSessionRequest{PostLogoutRedirectURI: "http://localhost:8080/"}, ErrInvalidRequest},
		{"unknown client", EndSessionRequest{ClientID: "nope", PostLogoutRedirectURI: "http://localhost:8080/"}, ErrClientNotFound},
		{"invalid hint", EndSessionRequest{TokenHint: "not-a-jwt"}, ErrInvalidAccessToken},
		{"hint for another client", EndSessionRequest{ClientID: "other-client", TokenHint: tokens.AccessToken}, ErrClientMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.srv.EndSession(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("EndSession() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEndSession_WithoutHint(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.srv.EndSession(context.Background(), EndSessionRequest{
		ClientID:              testutil.TestClientID,
		PostLogoutRedirectURI: "http://localhost:8080/",
	})
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if result.RedirectURL != "http://localhost:8080/" || result.TokensRevoked != 0 {
		t.Errorf("EndSession() = %+v", result)
	}
}
