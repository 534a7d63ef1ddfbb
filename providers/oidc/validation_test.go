package oidc

import (
	"strings"
	"testing"
)

func TestValidateIssuerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr string
	}{
		{"https://idp.example.com", ""},
		{"https://idp.example.com:8443/realms/main", ""},
		{"https://localhost", ""},
		{"http://idp.example.com", "HTTPS"},
		{"https://127.0.0.1", "loopback"},
		{"https://[::1]", "loopback"},
		{"https://10.0.0.1", "private"},
		{"https://192.168.1.10", "private"},
		{"https://169.254.169.254", "link-local"},
		{"https://", "hostname"},
		{"://bad", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateIssuerURL(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateIssuerURL() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateIssuerURL() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	many := make([]string, 51)
	for i := range many {
		many[i] = "s"
	}

	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"typical", []string{"openid", "email", "profile"}, false},
		{"none", nil, false},
		{"empty entry", []string{"openid", ""}, true},
		{"too long", []string{strings.Repeat("a", 257)}, true},
		{"too many", many, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateScopes(tt.scopes); (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
