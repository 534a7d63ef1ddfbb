package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/Osminogka/OAuthServer"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/signing"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server. Configured clients are registered first
(existing ones are left untouched), then the HTTP endpoints are served until
the process receives SIGINT or SIGTERM.

SIGHUP re-reads keys.signing_key_file. A changed key becomes the active
signing key and the previous one keeps verifying for keys.grace_period.
Without a key file, SIGHUP generates a fresh ephemeral key.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	cmd.Flags().String("issuer", "", "Issuer URL advertised in discovery and tokens")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := cmd.Context()
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	if err := seedClients(ctx, st.server, cfg.Clients, logger); err != nil {
		return err
	}

	handler := oauth.NewHandler(st.server, cfg.HandlerConfig(), logger)
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(handler, st, cfg),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	return serve(ctx, httpServer, st, logger)
}

// newRouter mounts the OAuth endpoints, health check and metrics.
func newRouter(handler *oauth.Handler, st *stack, cfg *Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)

	handler.RegisterRoutes(r)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	if st.inst != nil && cfg.Telemetry.Prometheus {
		if h := st.inst.MetricsHandler(); h != nil {
			r.Handle(cfg.Telemetry.MetricsPath, h)
		}
	}
	return r
}

// serve runs the listener and the storage maintenance loop until ctx is
// done, then shuts the listener down gracefully.
func serve(ctx context.Context, httpServer *http.Server, st *stack, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Authorization server listening",
			"addr", httpServer.Addr,
			"issuer", st.cfg.Issuer,
			"storage", st.cfg.Storage.Type,
			"provider", st.cfg.Provider.Type)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if run := st.backend.run; run != nil {
		g.Go(func() error {
			return run(gctx)
		})
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	g.Go(func() error {
		return reloadKeysOnSignal(gctx, st.server.Keys(), st.cfg.Keys, sighup, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down authorization server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), st.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// reloadKeysOnSignal reloads the signing key each time sigs fires until ctx
// is done. A failed reload keeps the current key.
func reloadKeysOnSignal(ctx context.Context, keys *signing.KeySet, cfg signing.KeyConfig, sigs <-chan os.Signal, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			rotated, err := keys.Reload(cfg)
			if err != nil {
				logger.Error("Signing key reload failed", "error", err)
				continue
			}
			if rotated {
				logger.Info("Signing key rotated", "key_id", keys.ActiveKeyID())
			}
		}
	}
}
