package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/pkce"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/server"
	"github.com/Osminogka/OAuthServer/storage"
)

// Router is satisfied by *http.ServeMux and chi.Router.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// Handler serves the authorization server's HTTP endpoints on top of a
// server.Server.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instrumentation.Metrics
	rateLimiter *security.RateLimiter
	clientIP    security.ClientIPResolver

	// metadata is rebuilt when the key set version moves on.
	metadataMu      sync.Mutex
	metadata        *AuthorizationServerMetadata
	metadataVersion uint64
}

// NewHandler creates the HTTP handler. config may be nil for defaults.
// Call Close when done to stop the rate limiter's cleanup goroutine.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("oauth.http"),
		clientIP: security.ClientIPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}
	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("oauth.http")
		h.metrics = inst.Metrics()
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiterWithMaxEntries(
			config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, logger)
	}
	return h
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts every endpoint on r at its configured path.
func (h *Handler) RegisterRoutes(r Router) {
	r.Handle(h.config.AuthorizationPath, http.HandlerFunc(h.ServeAuthorization))
	r.Handle(h.config.CallbackPath, http.HandlerFunc(h.ServeAuthorizationCallback))
	r.Handle(h.config.TokenPath, http.HandlerFunc(h.ServeToken))
	r.Handle(h.config.UserInfoPath, http.HandlerFunc(h.ServeUserInfo))
	r.Handle(h.config.EndSessionPath, http.HandlerFunc(h.ServeEndSession))
	r.Handle(h.config.JWKSPath, http.HandlerFunc(h.ServeJWKS))
	r.Handle(AuthorizationServerMetadataPath, http.HandlerFunc(h.ServeAuthorizationServerMetadata))
	r.Handle(OpenIDConfigurationPath, http.HandlerFunc(h.ServeOpenIDConfiguration))
}

// ServeAuthorization handles the authorization endpoint (RFC 6749 section
// 4.1.1). GET and POST are both accepted.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()
	r = r.WithContext(ctx)

	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(ctx, "authorization", r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := &server.AuthorizationRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Nonce:               r.Form.Get("nonce"),
	}
	if req.ClientID == "" {
		h.writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	result, err := h.server.StartAuthorization(ctx, r, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationFailure(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, result.RedirectURL)
}

// ServeAuthorizationCallback handles the return of the user agent from the
// login collaborator and completes the suspended authorization request.
func (h *Handler) ServeAuthorizationCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.callback")
	defer span.End()
	r = r.WithContext(ctx)

	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(ctx, "callback", r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	state := r.Form.Get("state")
	if state == "" {
		h.writeOAuthError(w, ErrInvalidRequest("state is required"))
		return
	}

	result, err := h.server.ResumeAuthorization(ctx, r, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationFailure(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.redirect(w, r, result.RedirectURL)
}

// writeAuthorizationFailure redirects failures that carry a validated
// redirect URI and renders everything else directly.
func (h *Handler) writeAuthorizationFailure(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *server.AuthorizationError
	if errors.As(err, &authErr) {
		h.redirect(w, r, authErr.RedirectURL())
		return
	}

	oauthErr := directError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Authorization request failed", "error", err)
	} else {
		h.logger.Debug("Authorization request rejected", "error", err)
	}
	h.writeOAuthError(w, oauthErr)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()
	r = r.WithContext(ctx)

	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(ctx, "token", r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP.Resolve(r)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "token") {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		h.writeOAuthError(w, ErrInvalidRequest("Content-Type must be application/x-www-form-urlencoded"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, grantType))
	switch grantType {
	case "":
		h.writeOAuthError(w, ErrInvalidRequest("grant_type is required"))
		return
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", grantType)))
		return
	}

	client, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	if !client.HasGrantType(grantType) {
		h.writeOAuthError(w, ErrUnauthorizedClient("Client is not authorized to use this grant type"))
		return
	}

	var result *server.TokenResult
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		result, err = h.exchangeAuthorizationCode(ctx, r, client, clientIP)
	case server.GrantTypeRefreshToken:
		result, err = h.refreshAccessToken(ctx, r, client, clientIP)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		oauthErr := tokenError(err)
		switch {
		case server.IsSecurityEvent(err):
			h.logger.Warn("Credential reuse detected at token endpoint",
				"client_id", client.ClientID,
				"grant_type", grantType,
				"ip", clientIP)
		case oauthErr.Status >= http.StatusInternalServerError:
			h.logger.Error("Token request failed",
				"client_id", client.ClientID,
				"grant_type", grantType,
				"error", err)
		default:
			h.logger.Debug("Token request rejected",
				"client_id", client.ClientID,
				"grant_type", grantType,
				"error", err)
		}
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, result)
}

func (h *Handler) exchangeAuthorizationCode(ctx context.Context, r *http.Request, client *storage.Client, clientIP string) (*server.TokenResult, error) {
	req := server.TokenRequest{
		ClientID:     client.ClientID,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		ClientIP:     clientIP,
	}
	switch {
	case req.Code == "":
		return nil, ErrInvalidRequest("code is required")
	case req.RedirectURI == "":
		return nil, ErrInvalidRequest("redirect_uri is required")
	case req.CodeVerifier == "" && h.server.PKCERequired(client):
		return nil, ErrInvalidRequest("code_verifier is required")
	}
	return h.server.ExchangeAuthorizationCode(ctx, req)
}

func (h *Handler) refreshAccessToken(ctx context.Context, r *http.Request, client *storage.Client, clientIP string) (*server.TokenResult, error) {
	req := server.RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientIP:     clientIP,
	}
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	return h.server.RefreshAccessToken(ctx, req)
}

// authenticateClient resolves the client from HTTP Basic credentials or
// client_id/client_secret form fields (RFC 6749 section 2.3.1). Using both
// methods in one request is rejected.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	clientID := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")

	if user, pass, ok := r.BasicAuth(); ok {
		if secret != "" {
			return nil, ErrInvalidRequest("Multiple client authentication methods used")
		}
		basicID, errID := url.QueryUnescape(user)
		basicSecret, errSecret := url.QueryUnescape(pass)
		if errID != nil || errSecret != nil {
			return nil, h.invalidClient(clientIP, "", "malformed_basic_credentials")
		}
		if clientID != "" && clientID != basicID {
			return nil, ErrInvalidRequest("client_id does not match the authenticated client")
		}
		clientID, secret = basicID, basicSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, secret)
	if err != nil {
		if server.IsTransient(err) {
			h.logger.Error("Client authentication failed", "client_id", clientID, "error", err)
			return nil, tokenError(err)
		}
		if !errors.Is(err, server.ErrInvalidClientCredentials) {
			h.logger.Error("Client authentication failed", "client_id", clientID, "error", err)
			return nil, ErrServerError("Internal server error")
		}
		return nil, h.invalidClient(clientIP, clientID, "client_authentication_failed")
	}
	return client, nil
}

func (h *Handler) invalidClient(clientIP, clientID, reason string) *OAuthError {
	h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP, "reason", reason)
	return ErrInvalidClient("Client authentication failed")
}

// checkRateLimit reports whether the request was rejected and the 429
// response already written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}

	h.rateLimiter.SetRetryAfter(w)
	h.writeOAuthError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// ServeUserInfo handles the userinfo endpoint (OpenID Connect Core section
// 5.3). The access token comes from the Authorization header or, on POST,
// from the access_token form field (RFC 6750 section 2.2).
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.userinfo")
	defer span.End()
	r = r.WithContext(ctx)

	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(ctx, "userinfo", r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP.Resolve(r)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "userinfo") {
		return
	}

	token, ok := bearerToken(r)
	if !ok && r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
		if err := r.ParseForm(); err == nil {
			token = r.PostForm.Get("access_token")
		}
	}
	if token == "" {
		h.writeBearerChallenge(w, nil)
		return
	}

	info, err := h.server.UserInfo(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeBearerChallenge(w, ErrInvalidToken("The access token is invalid or expired"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, UserInfoResponse{Subject: info.Subject})
}

// ServeEndSession handles sign-out (OpenID Connect RP-Initiated Logout).
// id_token_hint may carry an access token issued here; a bearer
// Authorization header is accepted in its place.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.end_session")
	defer span.End()
	r = r.WithContext(ctx)

	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(ctx, "end_session", r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP.Resolve(r)
	instrumentation.AddSecurityAttributes(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "end_session") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := server.EndSessionRequest{
		ClientID:              r.Form.Get("client_id"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
		TokenHint:             r.Form.Get("id_token_hint"),
		ClientIP:              clientIP,
	}
	if req.TokenHint == "" {
		req.TokenHint, _ = bearerToken(r)
	}

	result, err := h.server.EndSession(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		oauthErr := endSessionError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			h.logger.Error("Sign-out failed", "client_id", req.ClientID, "error", err)
		} else {
			h.logger.Debug("Sign-out rejected", "client_id", req.ClientID, "error", err)
		}
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	if result.RedirectURL != "" {
		h.redirect(w, r, result.RedirectURL)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Signed out\n"))
}

// bearerToken extracts an RFC 6750 bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeBearerChallenge answers 401 with a Bearer challenge. A nil error
// means no credentials were presented, so no error code is sent.
func (h *Handler) writeBearerChallenge(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	challenge := fmt.Sprintf("Bearer realm=%q", h.server.Config.Issuer)
	if oauthErr == nil {
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("%s, error=%q", challenge, oauthErr.Code))
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, "authorization_server_metadata", h.metadataDocument())
}

// ServeOpenIDConfiguration serves the same metadata at the OpenID
// Connect discovery location.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	metadata := h.metadataDocument()
	metadata.SubjectTypesSupported = []string{"public"}
	h.serveDiscovery(w, r, "openid_configuration", metadata)
}

// ServeJWKS publishes the public keys that verify access tokens.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, "jwks", h.server.Keys().JWKS())
}

func (h *Handler) serveDiscovery(w http.ResponseWriter, r *http.Request, endpoint string, document any) {
	rec := newStatusRecorder(w)
	defer h.recordHTTPMetrics(r.Context(), endpoint, r.Method, rec, time.Now())
	w = rec

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, h.clientIP.Resolve(r), endpoint) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetPublicCache(w, h.config.DiscoveryCacheMaxAge)
	h.writeJSON(w, http.StatusOK, document)
}

// metadataDocument returns the discovery document, built on first use and
// again only after the signing keys rotate.
func (h *Handler) metadataDocument() AuthorizationServerMetadata {
	version := h.server.Keys().Version()

	h.metadataMu.Lock()
	defer h.metadataMu.Unlock()
	if h.metadata == nil || h.metadataVersion != version {
		metadata := h.buildMetadata()
		h.metadata = &metadata
		h.metadataVersion = version
	}
	return *h.metadata
}

func (h *Handler) buildMetadata() AuthorizationServerMetadata {
	issuer := h.server.Config.Issuer
	return AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  endpointURL(issuer, h.config.AuthorizationPath),
		TokenEndpoint:          endpointURL(issuer, h.config.TokenPath),
		UserinfoEndpoint:       endpointURL(issuer, h.config.UserInfoPath),
		EndSessionEndpoint:     endpointURL(issuer, h.config.EndSessionPath),
		JWKSURI:                endpointURL(issuer, h.config.JWKSPath),
		ScopesSupported:        h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported:              pkce.SupportedMethods(h.server.Config.AllowPKCEPlain),
		IDTokenSigningAlgValuesSupported:           h.server.Keys().Algorithms(),
		AuthorizationResponseIssParameterSupported: true,
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
	})
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.Config.Issuer))
	}

	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response body", "error", err)
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, rec *statusRecorder, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, rec.status, duration)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
