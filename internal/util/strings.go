package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s without panicking. It is
// used to log a recognisable prefix of codes and tokens.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScopes splits a space-delimited scope string (RFC 6749 section 3.3),
// dropping empty entries and duplicates while keeping order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScopes joins scopes back into their wire form.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every scope in requested appears in allowed.
func ScopesSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// NormalizeURL removes trailing slashes so issuer and audience URLs compare
// equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
