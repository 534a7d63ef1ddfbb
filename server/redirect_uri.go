package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Osminogka/OAuthServer/internal/util"
	"github.com/Osminogka/OAuthServer/storage"
)

// URI schemes
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// RedirectURIError carries operator detail for logs while Error() stays
// generic enough to show to clients.
type RedirectURIError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURIError) Error() string {
	return e.ClientMessage
}

// Unwrap lets callers match ErrInvalidRedirectURI.
func (e *RedirectURIError) Unwrap() error {
	return ErrInvalidRedirectURI
}

// Redirect URI error categories for metrics and logging.
const (
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryNotRegistered   = "not_registered"
)

// ValidateRedirectURI checks that redirectURI is registered for client.
// Comparison is an exact string match: no wildcard, prefix or normalised
// matching, so a registered URI cannot be turned into an open redirector.
func (s *Server) ValidateRedirectURI(client *storage.Client, redirectURI string) error {
	if client == nil || redirectURI == "" {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryNotRegistered,
			Reason:        "missing client or redirect URI",
			ClientMessage: "redirect_uri: not registered for client",
		}
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return &RedirectURIError{
		Category:      RedirectURIErrorCategoryNotRegistered,
		URI:           sanitizeURIForLogging(redirectURI),
		Reason:        "redirect URI does not exactly match any registered URI",
		ClientMessage: "redirect_uri: not registered for client",
	}
}

// validateRedirectURIsForRegistration validates every redirect URI of a
// client descriptor. Returns an error for the first invalid URI found.
func (s *Server) validateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			Reason:        "no redirect URIs",
			ClientMessage: "redirect_uri: at least one redirect URI is required",
		}
	}
	for _, uri := range redirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// validateRedirectURIForRegistration implements OAuth 2.0 Security BCP
// section 4.1: absolute URI, no fragment, no dangerous scheme, HTTPS
// except on loopback hosts (RFC 8252 section 7.3) and custom schemes for
// native apps matching AllowedCustomSchemes.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		reason := "URI is not absolute"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains fragment which is prohibited by OAuth 2.0 Security BCP",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(parsed)
	}

	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        err.Error(),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}
	return nil
}

func (s *Server) validateHTTPRedirectURI(parsed *url.URL) error {
	hostname := parsed.Hostname()
	if hostname == "" {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "missing host",
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// RFC 8252 Section 7.3 allows HTTP for loopback
	if util.IsLoopbackHostname(hostname) {
		return nil
	}

	if strings.ToLower(parsed.Scheme) == SchemeHTTP && !s.Config.AllowInsecureHTTP {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "HTTP is only allowed for loopback hosts",
			ClientMessage: "redirect_uri: HTTPS is required (HTTP only allowed for localhost)",
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsUnspecified() {
			return &RedirectURIError{
				Category:      RedirectURIErrorCategoryUnspecifiedAddr,
				Reason:        fmt.Sprintf("IP %s is unspecified (0.0.0.0 or ::)", hostname),
				ClientMessage: "redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed",
			}
		}
		// Link-local covers cloud metadata services.
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return &RedirectURIError{
				Category:      RedirectURIErrorCategoryLinkLocal,
				Reason:        fmt.Sprintf("IP %s is link-local", hostname),
				ClientMessage: "redirect_uri: link-local addresses are not allowed",
			}
		}
	}
	return nil
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
// Returns error if the scheme is dangerous or not in the allowed list
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String()
}

// GetRedirectURIErrorCategory returns the error category if err is a RedirectURIError.
func GetRedirectURIErrorCategory(err error) string {
	var uriErr *RedirectURIError
	if errors.As(err, &uriErr) {
		return uriErr.Category
	}
	return ""
}
