// Package providers defines the login collaborator used by the
// authorization endpoint.
//
// The authorization server never authenticates users itself. When a
// request needs a subject, the pending request is persisted and the user
// agent is redirected to Provider.LoginURL. The provider sends the user
// agent back to the callback endpoint, where Provider.Authenticate turns
// the callback request into an Identity.
//
// Implementations are provided in subpackages:
//   - providers/oidc: an upstream OpenID Connect identity provider
//   - providers/static: a fixed development identity
//   - providers/mock: a configurable provider for tests
package providers
