package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's IP address from a request.
//
// SECURITY: only set TrustProxy behind a reverse proxy you control.
// X-Forwarded-For reads "client, proxy1, proxy2"; the rightmost
// TrustedProxyCount entries are our own proxies and everything left of
// them is attacker controlled except the entry immediately before.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the best-effort client IP for r.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}

	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
