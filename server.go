package oauth

import (
	"log/slog"

	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/server"
	"github.com/Osminogka/OAuthServer/signing"
	"github.com/Osminogka/OAuthServer/storage"
)

// Server is the protocol core behind the HTTP handlers.
type Server = server.Server

// ServerConfig holds the protocol configuration (TTLs, PKCE policy, scopes).
type ServerConfig = server.Config

// NewServer creates a Server backed by a single store implementing every
// storage interface, which is what all bundled back-ends do.
func NewServer(
	provider providers.Provider,
	store storage.Store,
	keys *signing.KeySet,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	return server.New(provider, store, store, store, keys, config, logger)
}
