package oidc

import (
	"fmt"
	"net"
	"net/url"
)

const (
	maxScopes      = 50
	maxScopeLength = 256
)

// ValidateIssuerURL rejects issuer URLs that are not HTTPS or that point
// at loopback, private or link-local addresses.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// Hostnames are left to DNS; only literal addresses are screened.
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		case ip.IsPrivate():
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		case ip.IsLinkLocalUnicast(), ip.IsUnspecified():
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}
	return nil
}

// ValidateScopes bounds the upstream scope list.
func ValidateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxScopes, len(scopes))
	}
	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > maxScopeLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, maxScopeLength)
		}
	}
	return nil
}
