package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	oauth "github.com/Osminogka/OAuthServer"
	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/providers/oidc"
	"github.com/Osminogka/OAuthServer/providers/static"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/server"
	"github.com/Osminogka/OAuthServer/signing"
	"github.com/Osminogka/OAuthServer/storage"
	"github.com/Osminogka/OAuthServer/storage/memory"
	"github.com/Osminogka/OAuthServer/storage/sqlstore"
	"github.com/Osminogka/OAuthServer/storage/valkey"
)

// newLogger builds the process logger from cfg.
func newLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.Format)
	}
}

// backend is an opened storage back-end with its lifecycle hooks.
type backend struct {
	store storage.Store

	// run performs background maintenance until ctx is done. May be nil.
	run func(ctx context.Context) error

	close func()
}

func openBackend(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Type {
	case StorageMemory, "":
		store := memory.New()
		store.SetLogger(logger)
		logger.Warn("Using in-memory storage; state is lost on restart and not shared between replicas")
		return &backend{store: store, close: store.Stop}, nil

	case StorageValkey:
		vcfg := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vcfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(vcfg)
		if err != nil {
			return nil, err
		}
		return &backend{store: store, close: store.Close}, nil

	case StorageSQL:
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         cfg.SQL.Dialect,
			DSN:             cfg.SQL.DSN,
			MaxOpenConns:    cfg.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.SQL.ConnMaxLifetime,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return &backend{
			store: store,
			run: func(ctx context.Context) error {
				return store.RunCleanup(ctx, cfg.SQL.CleanupInterval)
			},
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("Failed to close SQL storage", "error", err)
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (providers.Provider, error) {
	callbackURL := strings.TrimSuffix(cfg.Issuer, "/") + oauth.DefaultCallbackPath

	switch cfg.Provider.Type {
	case ProviderOIDC:
		ocfg := cfg.Provider.OIDC
		if ocfg.RedirectURL == "" {
			ocfg.RedirectURL = callbackURL
		}
		ocfg.Logger = logger
		p, err := oidc.NewProvider(ctx, &ocfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		scfg := cfg.Provider.Static
		if scfg.CallbackURL == "" {
			scfg.CallbackURL = callbackURL
		}
		logger.Warn("⚠️  SECURITY WARNING: Using the static login provider",
			"risk", "Every authorization request is approved for a fixed user",
			"recommendation", "Set provider.type=oidc outside development",
			"subject", scfg.Subject)
		p, err := static.NewProvider(&scfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// stack is everything a command needs to act as the authorization server.
type stack struct {
	cfg     *Config
	logger  *slog.Logger
	backend *backend
	server  *server.Server
	inst    *instrumentation.Instrumentation
	limiter *security.RateLimiter
}

// Close releases the stack in reverse construction order.
func (s *stack) Close(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.inst != nil {
		if err := s.inst.Shutdown(ctx); err != nil {
			s.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
	if s.backend != nil && s.backend.close != nil {
		s.backend.close()
	}
}

// buildStack opens storage, loads keys and wires the server.
func buildStack(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			st.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		st.inst, err = instrumentation.New(instrumentation.Config{
			ServiceVersion:    version,
			Enabled:           true,
			PrometheusEnabled: cfg.Telemetry.Prometheus,
			OTLPEndpoint:      cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure:      cfg.Telemetry.OTLPInsecure,
			TraceSamplingRate: cfg.Telemetry.TraceSamplingRate,
			LogClientIPs:      cfg.Telemetry.LogClientIPs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
	}

	st.backend, err = openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Type, err)
	}

	type retention interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if r, ok := st.backend.store.(retention); ok {
		r.SetRevokedFamilyRetentionDays(cfg.OAuth.RevokedFamilyRetentionDays)
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider.Type, err)
	}

	keys, err := signing.NewKeySetFromConfig(cfg.Keys, cfg.Issuer, logger)
	if err != nil {
		return nil, err
	}

	st.server, err = oauth.NewServer(provider, st.backend.store, keys, cfg.ServerConfig(), logger)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.encryption_key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, err
		}
		st.server.SetEncryptor(enc)
	}

	auditor := security.NewAuditor(logger, cfg.OAuth.Audit)
	st.server.SetAuditor(auditor)
	st.limiter = security.NewRateLimiter(1, 5, logger)
	st.server.SetSecurityEventRateLimiter(st.limiter)

	if st.inst != nil {
		st.server.SetInstrumentation(st.inst)
		if m := st.inst.Metrics(); m != nil {
			auditor.OnEvent(func(eventType string) {
				m.RecordAuditEvent(context.Background(), eventType)
			})
		}
		type instrumented interface {
			SetInstrumentation(*instrumentation.Instrumentation)
		}
		if s, ok := st.backend.store.(instrumented); ok {
			s.SetInstrumentation(st.inst)
		}
	}

	return st, nil
}

// seedClients registers the configured clients concurrently. Clients that
// already exist are left untouched.
func seedClients(ctx context.Context, srv *server.Server, clients []ClientConfig, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			_, created, err := srv.EnsureClientExists(ctx, c.Descriptor())
			if err != nil {
				return fmt.Errorf("failed to seed client %s: %w", c.ClientID, err)
			}
			if created {
				logger.Info("Seeded client", "client_id", c.ClientID)
			} else {
				logger.Debug("Client already registered", "client_id", c.ClientID)
			}
			return nil
		})
	}
	return g.Wait()
}
