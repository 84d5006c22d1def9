package pteroauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/server"
	"github.com/giantswarm/ptero-auth/storage"
)

// Handler is a thin HTTP adapter for the authorization engine.
// It parses requests, authenticates callers and maps engine errors onto
// OAuth responses; all protocol decisions are made by the engine.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// Routes returns the complete HTTP surface wrapped in request ID propagation.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathAuthorize, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle(PathTokens, h.instrument("tokens", h.ServeToken))
	mux.Handle(PathAPIKeys, h.instrument("api_keys", h.ServeAPIKeys))
	mux.Handle(PathClients, h.instrument("clients", h.ServeClients))
	mux.Handle(PathClients+"/{id}", h.instrument("client", h.ServeClient))
	mux.Handle(PathJWKS, h.instrument("jwks", h.ServeJWKS))
	mux.Handle(PathOpenIDConfig, h.instrument("openid_configuration", h.ServeOpenIDConfiguration))
	if h.server.Instrumentation != nil {
		mux.Handle(PathMetrics, h.server.Instrumentation.MetricsHandler())
	}
	return security.RequestIDMiddleware(mux)
}

// ServeAuthorization handles GET /v1/authorize. The resource owner is
// identified by an API key; the client is not authenticated here.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.server.IPResolver.Resolve(r)
	logger := security.LoggerFromContext(ctx, h.logger)

	apiKey, ok := parseAPIKey(r)
	if !ok {
		instrumentation.SetSpanError(span, "api key missing")
		security.SetAuthenticateHeader(w, authSchemeAPIKey, "")
		h.writeError(w, ErrorCodeAccessDenied, "An API key is required", http.StatusUnauthorized)
		return
	}

	user, err := h.server.Engine.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrAPIKeyInvalid) {
			logger.Info("Rejected authorization with unknown API key", "ip", clientIP)
			h.writeError(w, ErrorCodeAccessDenied, "The API key is invalid", http.StatusForbidden)
			return
		}
		logger.Error("Failed to resolve API key", "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	req := server.AuthorizationRequest{
		ClientID:     query.Get("client_id"),
		ResponseType: query.Get("response_type"),
		RedirectURI:  query.Get("redirect_uri"),
		Scope:        query.Get("scope"),
		State:        query.Get("state"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	security.SetSecurityHeaders(w, h.server.Issuer())

	result, err := h.server.Engine.Authorize(ctx, req, user, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		var authErr *server.AuthorizationError
		if errors.As(err, &authErr) && authErr.Redirectable() {
			http.Redirect(w, r, authErr.Location(), http.StatusFound)
			return
		}
		// Errors before redirect_uri validation are never redirected.
		code := server.ProtocolCode(err)
		status := http.StatusBadRequest
		if code == ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		h.writeError(w, code, tokenErrorDescriptions[code], status)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.Location(), http.StatusFound)
}

// ServeToken handles POST /v1/tokens. Confidential clients authenticate
// with HTTP Basic; public clients send client_id in the form.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.tokens")
	defer span.End()

	h.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		instrumentation.SetSpanError(span, "form parse failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientIP:     h.server.IPResolver.Resolve(r),
	}
	if id, secret, ok := parseClientBasicAuth(r); ok {
		req.ClientID = id
		req.ClientSecret = secret
		req.CredentialsPresented = true
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	resp, err := h.server.Engine.Token(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		oauthErr := FromEngineError(err)
		if oauthErr.Status == http.StatusUnauthorized {
			security.SetAuthenticateHeader(w, authSchemeBasic, basicRealm)
		}
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Issuer())
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeAPIKeys handles POST /v1/api-keys. The caller authenticates with
// HTTP Basic user credentials checked by the identity provider.
func (h *Handler) ServeAPIKeys(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.api_keys")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, password, ok := r.BasicAuth()
	if !ok {
		instrumentation.SetSpanError(span, "credentials missing")
		h.requireBasicAuth(w)
		return
	}

	key, err := h.server.Engine.IssueAPIKey(ctx, name, password, h.server.IPResolver.Resolve(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrUserAuthenticationFailed) {
			h.requireBasicAuth(w)
			return
		}
		security.LoggerFromContext(ctx, h.logger).Error("Failed to issue API key", "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Issuer())
	h.writeJSON(w, http.StatusCreated, APIKeyResponse{APIKey: key})
}

// ServeClients handles POST /v1/clients (register) and GET /v1/clients (list).
// Both require an administrator.
func (h *Handler) ServeClients(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.clients")
	defer span.End()
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.registerClient(w, r, span)
	case http.MethodGet:
		admin, ok := h.requireAdmin(w, r)
		if !ok {
			return
		}
		clients, err := h.server.Engine.ListClients(ctx)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.logger.Error("Failed to list clients", "admin", admin.Name, "error", err)
			h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
			return
		}
		out := make([]ClientResponse, 0, len(clients))
		for _, c := range clients {
			out = append(out, NewClientResponse(c, ""))
		}
		h.writeJSON(w, http.StatusOK, out)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) registerClient(w http.ResponseWriter, r *http.Request, span trace.Span) {
	ctx := r.Context()
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		instrumentation.SetSpanError(span, "invalid json")
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Request body must be a JSON object", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.Engine.RegisterClient(ctx, body.ToEngine(), admin.Name, h.server.IPResolver.Resolve(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, storage.ErrConflict):
			h.writeError(w, ErrorCodeInvalidClientMetadata, "An audience scope is already claimed by another client", http.StatusConflict)
		case errors.Is(err, server.ErrInvalidClientMetadata):
			// Validation messages name the offending field and carry no secrets.
			h.writeError(w, ErrorCodeInvalidClientMetadata, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("Failed to register client", "admin", admin.Name, "error", err)
			h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		}
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)
	w.Header().Set("Location", PathClients+"/"+client.ClientID)
	security.SetSecurityHeaders(w, h.server.Issuer())
	h.writeJSON(w, http.StatusCreated, NewClientResponse(client, secret))
}

// ServeClient handles GET and DELETE /v1/clients/{id} for administrators.
// DELETE deactivates the client; records are never removed.
func (h *Handler) ServeClient(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.client")
	defer span.End()
	r = r.WithContext(ctx)

	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	clientID := r.PathValue("id")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	if r.Method == http.MethodDelete {
		err := h.server.Engine.DeactivateClient(ctx, clientID, admin.Name)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, server.ErrClientNotFound):
			h.writeError(w, ErrorCodeInvalidClient, "Unknown client", http.StatusNotFound)
		case errors.Is(err, storage.ErrAlreadyConsumed):
			h.writeError(w, ErrorCodeInvalidClient, "Client is already inactive", http.StatusConflict)
		default:
			instrumentation.RecordError(span, err)
			h.logger.Error("Failed to deactivate client", "client_id", clientID, "error", err)
			h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		}
		return
	}

	client, err := h.server.Engine.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, server.ErrClientNotFound) {
			h.writeError(w, ErrorCodeInvalidClient, "Unknown client", http.StatusNotFound)
			return
		}
		instrumentation.RecordError(span, err)
		h.logger.Error("Failed to load client", "client_id", clientID, "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, NewClientResponse(client, ""))
}

// ServeJWKS handles GET /v1/jwks
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetPublicMetadataHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.Engine.Signer().JWKS())
}

// ServeOpenIDConfiguration handles GET /.well-known/openid-configuration
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata, err := h.buildOpenIDConfiguration(r.Context())
	if err != nil {
		h.logger.Error("Failed to build discovery document", "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return
	}

	security.SetPublicMetadataHeaders(w)
	h.writeJSON(w, http.StatusOK, metadata)
}

func (h *Handler) buildOpenIDConfiguration(ctx context.Context) (*OpenIDConfiguration, error) {
	issuer := strings.TrimSuffix(h.server.Issuer(), "/")

	scopes := []string{server.ScopeOpenID}
	catalog, err := h.server.Engine.Scopes.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range catalog {
		scopes = append(scopes, s.Value)
	}

	var algs, encs []string
	for _, alg := range security.KeyAlgorithms() {
		algs = append(algs, string(alg))
	}
	for _, enc := range security.ContentEncryptions() {
		encs = append(encs, string(enc))
	}

	return &OpenIDConfiguration{
		Issuer:                              issuer,
		AuthorizationEndpoint:               issuer + PathAuthorize,
		TokenEndpoint:                       issuer + PathTokens,
		JWKSURI:                             issuer + PathJWKS,
		ScopesSupported:                     util.NormalizeScopes(scopes),
		ResponseTypesSupported:              []string{server.ResponseTypeCode, server.ResponseTypeToken, server.ResponseTypeIDTokenToken},
		ResponseModesSupported:              []string{"query", "fragment"},
		GrantTypesSupported:                 []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken, server.GrantTypeClientCredentials, "implicit"},
		SubjectTypesSupported:               []string{"public"},
		TokenEndpointAuthMethodsSupported:   []string{"client_secret_basic", "none"},
		ClaimsSupported:                     []string{"iss", "sub", "aud", "exp", "iat", "at_hash", "name"},
		IDTokenSigningAlgValuesSupported:    []string{h.server.Engine.Signer().Algorithm()},
		IDTokenEncryptionAlgValuesSupported: algs,
		IDTokenEncryptionEncValuesSupported: encs,
	}, nil
}

// requireAdmin authenticates HTTP Basic user credentials and checks the
// admin role. It writes the error response and returns false on failure.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (*storage.User, bool) {
	ctx := r.Context()
	name, password, ok := r.BasicAuth()
	if !ok {
		h.requireBasicAuth(w)
		return nil, false
	}

	user, err := h.server.Engine.AuthenticateUser(ctx, name, password)
	if err != nil {
		if errors.Is(err, server.ErrUserAuthenticationFailed) {
			h.server.Auditor.LogAuthFailure(ctx, name, "", h.server.IPResolver.Resolve(r), "admin_authentication_failed")
			h.requireBasicAuth(w)
			return nil, false
		}
		h.logger.Error("Failed to authenticate user", "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return nil, false
	}

	admin, err := h.server.Engine.IsAdmin(ctx, user.Name)
	if err != nil {
		h.logger.Error("Failed to look up roles", "error", err)
		h.writeError(w, ErrorCodeServerError, tokenErrorDescriptions[ErrorCodeServerError], http.StatusInternalServerError)
		return nil, false
	}
	if !admin {
		h.logger.Warn("Non-admin user attempted client administration", "user", user.Name)
		h.writeError(w, ErrorCodeAccessDenied, "Administrator role required", http.StatusForbidden)
		return nil, false
	}
	return user, true
}

// parseAPIKey extracts the key from "Authorization: API-Key <key>"
func parseAPIKey(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(header, apiKeyHeaderPrefix)
	if !ok {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}

// parseClientBasicAuth reads client credentials from the Authorization
// header. Both parts are form-urlencoded before base64 (RFC 6749 section 2.3.1).
func parseClientBasicAuth(r *http.Request) (clientID, secret string, ok bool) {
	clientID, secret, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if id, err := url.QueryUnescape(clientID); err == nil {
		clientID = id
	}
	if s, err := url.QueryUnescape(secret); err == nil {
		secret = s
	}
	return clientID, secret, true
}

func (h *Handler) requireBasicAuth(w http.ResponseWriter) {
	security.SetAuthenticateHeader(w, authSchemeBasic, basicRealm)
	h.writeError(w, ErrorCodeAccessDenied, "Valid user credentials are required", http.StatusUnauthorized)
}

// setCORSHeaders allows configured browser origins to call the token endpoint.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !slices.Contains(h.server.Config.Security.AllowedOrigins, origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Issuer())
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// instrument records HTTP request metrics for endpoint
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.recordHTTPMetrics(r.Context(), endpoint, r.Method, rec.status, startTime)
	})
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
