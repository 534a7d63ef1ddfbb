package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/pkce"
	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/storage"
)

func testAuthorizationRequest(challenge string) *AuthorizationRequest {
	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testutil.TestClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               "email profile",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}
}

// startLogin begins an authorization and returns the signed state handed
// to the login collaborator.
func startLogin(t *testing.T, env *testEnv, req *AuthorizationRequest) string {
	t.Helper()
	result, err := env.srv.StartAuthorization(context.Background(), nil, req)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if !result.LoginRequired {
		t.Fatalf("LoginRequired = false, want true")
	}
	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("login URL %q: %v", result.RedirectURL, err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("login URL %q carries no state", result.RedirectURL)
	}
	return state
}

func callbackRequest(state string, extra url.Values) *http.Request {
	q := url.Values{"state": {state}}
	for k, vs := range extra {
		q[k] = vs
	}
	return httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil)
}

// authorize runs the login round trip and returns an issued code and its verifier.
func authorize(t *testing.T, env *testEnv, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	req := testAuthorizationRequest(challenge)
	req.Scope = scope

	state := startLogin(t, env, req)
	result, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}
	if result.Code == "" {
		t.Fatal("ResumeAuthorization() issued no code")
	}
	return result.Code, verifier
}

func TestAuthorization_LoginRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	state := startLogin(t, env, testAuthorizationRequest(challenge))

	result, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}

	redirect, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("redirect URL: %v", err)
	}
	if got := redirect.Scheme + "://" + redirect.Host + redirect.Path; got != testutil.TestRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testutil.TestRedirectURI)
	}
	q := redirect.Query()
	if q.Get("code") != result.Code {
		t.Errorf("code = %q, want %q", q.Get("code"), result.Code)
	}
	if q.Get("state") != "client-state-xyz" {
		t.Errorf("state = %q, want client state", q.Get("state"))
	}
	if q.Get("iss") != testIssuer {
		t.Errorf("iss = %q, want %q", q.Get("iss"), testIssuer)
	}

	stored, err := env.store.GetAuthorizationCode(context.Background(), result.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.Scope != "email profile" {
		t.Errorf("Scope = %q, want %q", stored.Scope, "email profile")
	}
	if stored.CodeChallenge != challenge {
		t.Error("code should carry the PKCE challenge")
	}
	if env.provider.GetCallCount("Authenticate") != 1 {
		t.Errorf("Authenticate called %d times, want 1", env.provider.GetCallCount("Authenticate"))
	}
}

func TestStartAuthorization_DirectErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name    string
		mutate  func(*AuthorizationRequest)
		wantErr error
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }, ErrClientNotFound},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrInvalidRedirectURI},
		{"redirect prefix", func(r *AuthorizationRequest) { r.RedirectURI = testutil.TestRedirectURI + "/extra" }, ErrInvalidRedirectURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testAuthorizationRequest(challenge)
			tt.mutate(req)

			_, err := env.srv.StartAuthorization(context.Background(), nil, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartAuthorization() error = %v, want %v", err, tt.wantErr)
			}
			var authErr *AuthorizationError
			if errors.As(err, &authErr) {
				t.Error("errors before redirect validation must not redirect")
			}
		})
	}
}

func TestStartAuthorization_RedirectErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantErr  error
		wantCode string
	}{
		{"token response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType},
		{"missing state", func(r *AuthorizationRequest) { r.State = "" }, ErrInvalidRequest, ErrorCodeInvalidRequest},
		{"missing challenge", func(r *AuthorizationRequest) {
			r.CodeChallenge = ""
			r.CodeChallengeMethod = ""
		}, ErrInvalidRequest, ErrorCodeInvalidRequest},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = pkce.MethodPlain }, ErrInvalidRequest, ErrorCodeInvalidRequest},
		{"missing method defaults to plain", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }, ErrInvalidRequest, ErrorCodeInvalidRequest},
		{"short challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "abc" }, ErrInvalidRequest, ErrorCodeInvalidRequest},
		{"scope outside client", func(r *AuthorizationRequest) { r.Scope = "email admin" }, ErrInvalidScope, ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testAuthorizationRequest(challenge)
			tt.mutate(req)

			_, err := env.srv.StartAuthorization(context.Background(), nil, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartAuthorization() error = %v, want %v", err, tt.wantErr)
			}
			var authErr *AuthorizationError
			if !errors.As(err, &authErr) {
				t.Fatalf("error %T should be an *AuthorizationError", err)
			}
			if authErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", authErr.Code, tt.wantCode)
			}

			redirect, err := url.Parse(authErr.RedirectURL())
			if err != nil {
				t.Fatalf("RedirectURL(): %v", err)
			}
			if redirect.Query().Get("error") != tt.wantCode {
				t.Errorf("error param = %q, want %q", redirect.Query().Get("error"), tt.wantCode)
			}
			if req.State != "" && redirect.Query().Get("state") != req.State {
				t.Errorf("state param = %q, want %q", redirect.Query().Get("state"), req.State)
			}
		})
	}
}

func TestStartAuthorization_UnauthorizedClient(t *testing.T) {
	env := newTestEnv(t, nil)
	client := testutil.GenerateTestClient()
	client.ClientID = "refresh-only"
	client.GrantTypes = []string{GrantTypeRefreshToken}
	if err := env.store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	challenge, _ := testutil.GeneratePKCEPair()
	req := testAuthorizationRequest(challenge)
	req.ClientID = client.ClientID

	_, err := env.srv.StartAuthorization(context.Background(), nil, req)
	if !errors.Is(err, ErrUnauthorizedClient) {
		t.Fatalf("StartAuthorization() error = %v, want ErrUnauthorizedClient", err)
	}
}

func TestStartAuthorization_DefaultsRedirectAndScope(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	req := testAuthorizationRequest(challenge)
	req.RedirectURI = ""
	req.Scope = ""

	state := startLogin(t, env, req)
	result, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}

	stored, err := env.store.GetAuthorizationCode(context.Background(), result.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q, want the single registered URI", stored.RedirectURI)
	}
	if stored.Scope != "email profile api" {
		t.Errorf("Scope = %q, want client scopes", stored.Scope)
	}
}

func TestStartAuthorization_SupportedScopes(t *testing.T) {
	cfg := testConfig()
	cfg.SupportedScopes = []string{"email", "profile"}
	env := newTestEnv(t, cfg)

	challenge, _ := testutil.GeneratePKCEPair()
	req := testAuthorizationRequest(challenge)
	req.Scope = "email api"

	_, err := env.srv.StartAuthorization(context.Background(), nil, req)
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("StartAuthorization() error = %v, want ErrInvalidScope", err)
	}
}

func TestStartAuthorization_ExistingSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.CurrentIdentityFunc = func(context.Context, *http.Request, *storage.PendingAuthorization) (*providers.Identity, error) {
		return &providers.Identity{Subject: "session-user"}, nil
	}

	challenge, _ := testutil.GeneratePKCEPair()
	r := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	result, err := env.srv.StartAuthorization(context.Background(), r, testAuthorizationRequest(challenge))
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if result.LoginRequired {
		t.Fatal("existing session should complete without login")
	}

	stored, err := env.store.GetAuthorizationCode(context.Background(), result.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.UserID != "session-user" {
		t.Errorf("UserID = %q, want session-user", stored.UserID)
	}
	if env.provider.GetCallCount("LoginURL") != 0 {
		t.Error("LoginURL should not be called when a session exists")
	}
}

func TestStartAuthorization_SessionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.CurrentIdentityFunc = func(context.Context, *http.Request, *storage.PendingAuthorization) (*providers.Identity, error) {
		return nil, providers.ErrAccessDenied
	}

	challenge, _ := testutil.GeneratePKCEPair()
	r := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	_, err := env.srv.StartAuthorization(context.Background(), r, testAuthorizationRequest(challenge))

	var authErr *AuthorizationError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("StartAuthorization() error = %v, want access_denied redirect", err)
	}
}

func TestResumeAuthorization_AccessDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, env, testAuthorizationRequest(challenge))

	_, err := env.srv.ResumeAuthorization(context.Background(),
		callbackRequest(state, url.Values{"error": {"access_denied"}}), state)

	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("ResumeAuthorization() error = %v, want *AuthorizationError", err)
	}
	if authErr.Code != ErrorCodeAccessDenied {
		t.Errorf("Code = %q, want access_denied", authErr.Code)
	}
	if authErr.State != "client-state-xyz" {
		t.Errorf("State = %q, want client state", authErr.State)
	}
	if !errors.Is(err, ErrAccessDenied) {
		t.Error("error should wrap ErrAccessDenied")
	}
}

func TestResumeAuthorization_LoginRequiredSuspendsAgain(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, env, testAuthorizationRequest(challenge))

	result, err := env.srv.ResumeAuthorization(context.Background(),
		callbackRequest(state, url.Values{"error": {"login_required"}}), state)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}
	if !result.LoginRequired {
		t.Fatal("LoginRequired = false, want true")
	}

	u, _ := url.Parse(result.RedirectURL)
	next := u.Query().Get("state")
	if next == "" || next == state {
		t.Fatal("suspending again should hand out a fresh state")
	}

	// The old state is spent; the new one completes the flow.
	if _, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state); !errors.Is(err, ErrInvalidFlowState) {
		t.Errorf("old state error = %v, want ErrInvalidFlowState", err)
	}
	done, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(next, nil), next)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}
	if done.Code == "" {
		t.Error("second callback should issue a code")
	}
}

func TestResumeAuthorization_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.AuthenticateFunc = func(context.Context, *http.Request, *storage.PendingAuthorization) (*providers.Identity, error) {
		return nil, errors.New("upstream exploded")
	}
	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, env, testAuthorizationRequest(challenge))

	_, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)

	var authErr *AuthorizationError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeServerError {
		t.Fatalf("ResumeAuthorization() error = %v, want server_error redirect", err)
	}
}

func TestResumeAuthorization_GrantedScopes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.AuthenticateFunc = func(context.Context, *http.Request, *storage.PendingAuthorization) (*providers.Identity, error) {
		return &providers.Identity{Subject: testutil.TestUserID, GrantedScopes: []string{"email", "api"}}, nil
	}
	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, env, testAuthorizationRequest(challenge))

	result, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)
	if err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}
	stored, err := env.store.GetAuthorizationCode(context.Background(), result.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.Scope != "email" {
		t.Errorf("Scope = %q, want only requested and granted scopes", stored.Scope)
	}
}

func TestResumeAuthorization_InvalidState(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, env, testAuthorizationRequest(challenge))

	tests := []struct {
		name  string
		state string
	}{
		{"empty", ""},
		{"garbage", "not-a-signed-state"},
		{"tampered", state[:len(state)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(tt.state, nil), tt.state)
			if !errors.Is(err, ErrInvalidFlowState) {
				t.Fatalf("ResumeAuthorization() error = %v, want ErrInvalidFlowState", err)
			}
		})
	}

	// The genuine state is still usable exactly once.
	if _, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state); err != nil {
		t.Fatalf("ResumeAuthorization() error = %v", err)
	}
	if _, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state); !errors.Is(err, ErrInvalidFlowState) {
		t.Fatalf("replayed state error = %v, want ErrInvalidFlowState", err)
	}
}

func TestResumeAuthorization_StateFromAnotherServer(t *testing.T) {
	env := newTestEnv(t, nil)
	other := testConfig()
	other.StateSecret = []byte("ffffffffffffffffffffffffffffffff")
	otherEnv := newTestEnv(t, other)

	challenge, _ := testutil.GeneratePKCEPair()
	state := startLogin(t, otherEnv, testAuthorizationRequest(challenge))

	_, err := env.srv.ResumeAuthorization(context.Background(), callbackRequest(state, nil), state)
	if !errors.Is(err, ErrInvalidFlowState) {
		t.Fatalf("ResumeAuthorization() error = %v, want ErrInvalidFlowState", err)
	}
}

func TestIssueAuthorizationCode(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	base := CodeRequest{
		ClientID:            testutil.TestClientID,
		UserID:              testutil.TestUserID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               "email",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
	}

	tests := []struct {
		name    string
		mutate  func(*CodeRequest)
		wantErr error
	}{
		{"valid", func(*CodeRequest) {}, nil},
		{"missing subject", func(r *CodeRequest) { r.UserID = "" }, ErrInvalidRequest},
		{"unknown client", func(r *CodeRequest) { r.ClientID = "nope" }, ErrClientNotFound},
		{"unregistered redirect", func(r *CodeRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrInvalidRedirectURI},
		{"public client without PKCE", func(r *CodeRequest) {
			r.CodeChallenge = ""
			r.CodeChallengeMethod = ""
		}, ErrInvalidRequest},
		{"scope not allowed", func(r *CodeRequest) { r.Scope = "admin" }, ErrScopeNotGranted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)

			code, err := env.srv.IssueAuthorizationCode(context.Background(), req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("IssueAuthorizationCode() error = %v", err)
				}
				if len(code) < 43 {
					t.Errorf("code length = %d, want at least 43", len(code))
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("IssueAuthorizationCode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGrantedScope(t *testing.T) {
	tests := []struct {
		requested string
		granted   []string
		want      string
	}{
		{"email profile", nil, "email profile"},
		{"email profile", []string{"email"}, "email"},
		{"email profile", []string{"email", "admin"}, "email"},
		{"email", []string{}, ""},
	}
	for _, tt := range tests {
		if got := grantedScope(tt.requested, tt.granted); got != tt.want {
			t.Errorf("grantedScope(%q, %v) = %q, want %q", tt.requested, tt.granted, got, tt.want)
		}
	}
}

func TestAuthorizationError_RedirectURL(t *testing.T) {
	err := &AuthorizationError{
		Code:        ErrorCodeAccessDenied,
		Description: "denied",
		RedirectURI: "https://app.example.com/cb?keep=1",
		State:       "s1",
		Issuer:      testIssuer,
	}
	u, parseErr := url.Parse(err.RedirectURL())
	if parseErr != nil {
		t.Fatalf("RedirectURL(): %v", parseErr)
	}
	q := u.Query()
	if q.Get("keep") != "1" || q.Get("error") != "access_denied" || q.Get("state") != "s1" || q.Get("iss") != testIssuer {
		t.Errorf("RedirectURL() = %q", err.RedirectURL())
	}
}
