package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		resolver   ClientIPResolver
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{
			name:       "remote addr without proxy trust",
			remoteAddr: "192.0.2.10:4711",
			xff:        "203.0.113.5",
			want:       "192.0.2.10",
		},
		{
			name:       "single trusted proxy",
			resolver:   ClientIPResolver{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr: "10.0.0.1:80",
			xff:        "198.51.100.1, 203.0.113.5, 10.0.0.1",
			want:       "203.0.113.5",
		},
		{
			name:       "two trusted proxies",
			resolver:   ClientIPResolver{TrustProxy: true, TrustedProxyCount: 2},
			remoteAddr: "10.0.0.2:80",
			xff:        "203.0.113.5, 10.0.0.1, 10.0.0.2",
			want:       "203.0.113.5",
		},
		{
			name:       "invalid forwarded entry falls back to remote addr",
			resolver:   ClientIPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:80",
			xff:        "not-an-ip, 10.0.0.1",
			want:       "10.0.0.1",
		},
		{
			name:       "x-real-ip when no forwarded header",
			resolver:   ClientIPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:80",
			realIP:     "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := tt.resolver.Resolve(r); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
