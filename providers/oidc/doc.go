// Package oidc implements a login collaborator backed by an upstream
// OpenID Connect identity provider.
//
// The provider discovers the upstream endpoints with go-oidc, sends the
// user agent to the upstream authorization endpoint with its own PKCE
// challenge and nonce, and on callback exchanges the upstream code and
// verifies the returned ID token. The verified "sub" claim becomes the
// subject of the tokens this server issues.
//
// Issuer URLs must be HTTPS and must not point at private or loopback
// addresses unless AllowInsecureIssuer is set.
package oidc
