// Package server implements the authorization server core.
//
// The Server type owns the protocol logic and nothing else: HTTP parsing
// and rendering live in the root package, persistence behind the storage
// interfaces and user login behind providers.Provider. Every collaborator
// is passed to New explicitly.
//
// The core covers:
//   - the client registry (RegisterClient, EnsureClientExists, GetClient,
//     ValidateRedirectURI, AuthenticateClient)
//   - the authorization endpoint state machine (StartAuthorization,
//     ResumeAuthorization) and code issuance (IssueAuthorizationCode)
//   - the token issuer (ExchangeAuthorizationCode, RefreshAccessToken)
//
// Authorization codes and refresh tokens are single use. Redemption and
// rotation are atomic in the store, so several server processes may share
// one store. Presenting a consumed code or a rotated refresh token revokes
// every refresh token of that user and client before the error is returned.
//
// Example usage:
//
//	store := memory.New()
//	keys, err := signing.NewKeySetFromConfig(signing.KeyConfig{KeyDir: "/var/lib/oauth/keys"}, issuer, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(provider, store, store, store, keys, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
