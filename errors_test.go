package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/Osminogka/OAuthServer/server"
)

func TestOAuthError(t *testing.T) {
	err := ErrInvalidGrant("Authorization code is invalid or expired")
	if err.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if got := err.Error(); got != "invalid_grant: Authorization code is invalid or expired" {
		t.Errorf("Error() = %q", got)
	}
	if ErrInvalidClient("x").Status != http.StatusUnauthorized {
		t.Error("invalid_client should be 401")
	}
	if ErrTemporarilyUnavailable("x").Status != http.StatusServiceUnavailable {
		t.Error("temporarily_unavailable should be 503")
	}
}

func TestTokenError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"code not found", server.ErrCodeNotFound, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"code reuse", server.ErrCodeAlreadyUsed, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"pkce mismatch", fmt.Errorf("%w: nope", server.ErrPKCEMismatch), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"redirect mismatch", server.ErrRedirectURIMismatch, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"client mismatch", server.ErrClientMismatch, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"refresh reuse", server.ErrReuseDetected, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"refresh revoked", server.ErrTokenRevoked, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"scope widening", server.ErrScopeNotGranted, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"unauthorized client", server.ErrUnauthorizedClient, ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"bad credentials", server.ErrInvalidClientCredentials, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"transient", fmt.Errorf("%w: get_client: boom", server.ErrTransientStore), ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{"oauth error passes through", ErrInvalidRequest("code is required"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"unknown", errors.New("boom"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestTokenError_DoesNotLeakDetails(t *testing.T) {
	got := tokenError(fmt.Errorf("%w: code_prefix=abcd1234 user=alice", server.ErrPKCEMismatch))
	if strings.Contains(got.Description, "abcd1234") || strings.Contains(got.Description, "alice") {
		t.Errorf("Description leaks internal details: %q", got.Description)
	}
}

func TestDirectError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown client", server.ErrClientNotFound, http.StatusBadRequest},
		{"bad redirect", server.ErrInvalidRedirectURI, http.StatusBadRequest},
		{"bad flow state", server.ErrInvalidFlowState, http.StatusBadRequest},
		{"transient", fmt.Errorf("%w: x", server.ErrTransientStore), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := directError(tt.err); got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestEndSessionError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad hint", fmt.Errorf("%w: expired", server.ErrInvalidAccessToken), http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"hint for another client", server.ErrClientMismatch, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unregistered redirect", server.ErrInvalidPostLogoutRedirectURI, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unknown client", server.ErrClientNotFound, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"transient", fmt.Errorf("%w: x", server.ErrTransientStore), http.StatusServiceUnavailable, ErrorCodeTemporarilyUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrorCodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endSessionError(tt.err)
			if got.Status != tt.wantStatus || got.Code != tt.wantCode {
				t.Errorf("endSessionError() = %d %s, want %d %s", got.Status, got.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}
