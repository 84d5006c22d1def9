package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// Server is the authorization and token engine. It composes the scope
// catalog, client registry, grant ledger, token issuer and ID token composer.
// It holds no locks across requests; concurrency control is left to the store.
type Server struct {
	store    storage.Store
	provider *meteredProvider
	signer   *security.Signer

	Scopes   *ScopeCatalog
	Clients  *ClientRegistry
	Grants   *GrantLedger
	Tokens   *TokenIssuer
	IDTokens *IDTokenComposer

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	Logger *slog.Logger
	Config *Config

	now func() time.Time
}

// New creates a new engine
func New(
	store storage.Store,
	provider providers.IdentityProvider,
	signer *security.Signer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	srv := &Server{
		store:  store,
		signer: signer,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		Logger: logger,
		Config: config,
		now:    time.Now,
	}
	srv.provider = &meteredProvider{IdentityProvider: provider, server: srv}

	srv.Scopes = NewScopeCatalog(store, logger)
	srv.Clients = NewClientRegistry(store, srv.Scopes, logger)
	srv.Grants = NewGrantLedger(store, seconds(config.AuthorizationCodeTTL), logger)
	srv.Tokens = NewTokenIssuer(store, store, seconds(config.AccessTokenTTL), seconds(config.RefreshTokenTTL), logger)
	srv.IDTokens = NewIDTokenComposer(srv.Scopes, store, srv.provider, signer, config, logger)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the engine
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// SetClock replaces the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Signer returns the ID token signer
func (s *Server) Signer() *security.Signer {
	return s.signer
}

// Provider returns the identity provider
func (s *Server) Provider() providers.IdentityProvider {
	return s.provider.IdentityProvider
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// meteredProvider records identity provider calls when instrumentation is set.
type meteredProvider struct {
	providers.IdentityProvider
	server *Server
}

func (p *meteredProvider) Authenticate(ctx context.Context, username, password string) error {
	start := time.Now()
	err := p.IdentityProvider.Authenticate(ctx, username, password)
	p.record(ctx, "authenticate", start, err)
	return err
}

func (p *meteredProvider) Claims(ctx context.Context, username string, fields []string) (map[string]any, error) {
	start := time.Now()
	data, err := p.IdentityProvider.Claims(ctx, username, fields)
	p.record(ctx, "claims", start, err)
	return data, err
}

func (p *meteredProvider) record(ctx context.Context, operation string, start time.Time, err error) {
	if p.server.metrics == nil {
		return
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	p.server.metrics.RecordProviderCall(ctx, p.Name(), operation, durationMs, err)
}
