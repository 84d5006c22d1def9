package pteroauth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/server"
	"github.com/giantswarm/ptero-auth/storage"
)

// instrumentedStore is implemented by stores that record storage metrics
type instrumentedStore interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// Server wires the engine to its collaborators: storage, identity provider,
// ID token signer, auditor and instrumentation.
type Server struct {
	Engine          *server.Server
	Store           storage.Store
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	IPResolver      security.ClientIPResolver

	Config *Config
	Logger *slog.Logger
}

// NewServer creates a new authorization server
func NewServer(
	store storage.Store,
	provider providers.IdentityProvider,
	signer *security.Signer,
	config *Config,
) (*Server, error) {
	config = applyDefaults(config)
	logger := config.Logger

	if err := validateAllowedOrigins(config.Security.AllowedOrigins, logger); err != nil {
		return nil, err
	}

	engine, err := server.New(store, provider, signer, &config.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	inst, err := instrumentation.New(config.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	engine.SetInstrumentation(inst)
	if s, ok := store.(instrumentedStore); ok {
		s.SetInstrumentation(inst)
	}

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)
	auditor.SetRecorder(func(ctx context.Context, eventType string) {
		inst.Metrics().RecordAuditEvent(ctx, eventType)
	})
	engine.SetAuditor(auditor)

	logger.Info("Authorization server configured",
		"issuer", engine.Config.Issuer,
		"signing_alg", signer.Algorithm(),
		"kid", signer.KeyID(),
		"provider", provider.Name(),
		"audit_logging", config.Security.EnableAuditLogging,
		"trust_proxy", config.Security.TrustProxy)

	return &Server{
		Engine:          engine,
		Store:           store,
		Auditor:         auditor,
		Instrumentation: inst,
		IPResolver: security.ClientIPResolver{
			TrustProxy:        config.Security.TrustProxy,
			TrustedProxyCount: config.Security.TrustedProxyCount,
		},
		Config: config,
		Logger: logger,
	}, nil
}

// Issuer returns the effective issuer URL
func (s *Server) Issuer() string {
	return s.Engine.Config.Issuer
}

// Shutdown flushes instrumentation exporters
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Shutdown(ctx)
}
