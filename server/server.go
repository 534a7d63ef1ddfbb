package server

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/signing"
	"github.com/Osminogka/OAuthServer/storage"
)

// Server implements the authorization server core (provider-agnostic).
// Every collaborator is passed to New; nothing is looked up ambiently.
type Server struct {
	provider    providers.Provider
	tokenStore  storage.TokenStore
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	keys        *signing.KeySet
	stateSigner *security.StateSigner
	clients     *clientCache

	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

// New creates a new authorization server
func New(
	provider providers.Provider,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	keys *signing.KeySet,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if tokenStore == nil {
		return nil, errors.New("token store is required")
	}
	if clientStore == nil {
		return nil, errors.New("client store is required")
	}
	if flowStore == nil {
		return nil, errors.New("flow store is required")
	}
	if keys == nil {
		return nil, errors.New("signing key set is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	stateKey := config.StateSecret
	if len(stateKey) == 0 {
		generated, err := security.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate state secret: %w", err)
		}
		stateKey = generated
		logger.Warn("⚠️  SECURITY WARNING: Using an ephemeral state secret",
			"risk", "Logins in flight fail after restart and across replicas",
			"recommendation", "Configure a shared StateSecret of at least 32 bytes")
	}
	stateSigner, err := security.NewStateSigner(stateKey, config.Issuer, config.pendingTTL())
	if err != nil {
		return nil, err
	}

	srv := &Server{
		provider:    provider,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		keys:        keys,
		stateSigner: stateSigner,
		clients:     newClientCache(config.ClientCacheTTL),
		Config:      config,
		Logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("server"),
	}

	// Configure storage retention if storage supports it
	type retentionSetter interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if setter, ok := tokenStore.(retentionSetter); ok {
		setter.SetRevokedFamilyRetentionDays(config.RevokedFamilyRetentionDays)
	}

	return srv, nil
}

// SetEncryptor sets the encryptor for server and storage
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.flowStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables tracing and metrics for the server flows
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = noop.NewTracerProvider().Tracer("server")
		s.metrics = nil
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Instrumentation returns what SetInstrumentation installed, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Keys returns the signing key set used for access tokens.
func (s *Server) Keys() *signing.KeySet {
	return s.keys
}

// Provider returns the login collaborator.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// shouldLogSecurityEvent gates repeated security logs per key.
func (s *Server) shouldLogSecurityEvent(key string) bool {
	if s.SecurityEventRateLimiter == nil {
		return true
	}
	return s.SecurityEventRateLimiter.Allow(key)
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier reads 32 bytes from crypto/rand and returns
// them base64url encoded (256 bits of entropy).
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
