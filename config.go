package pteroauth

import (
	"log/slog"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/server"
)

// Config holds the authorization server configuration.
// Structured using composition: engine settings, HTTP security settings and
// instrumentation each live in their own section.
type Config struct {
	// Server configures the engine (issuer, TTLs, claim namespace, admin role)
	Server server.Config

	// Security settings for the HTTP layer
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation instrumentation.Config

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// SecurityConfig holds HTTP-layer security settings
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs token issuance, auth failures and code reuse (user names hashed).
	EnableAuditLogging bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server.
	// Default: 1
	TrustedProxyCount int

	// AllowedOrigins lists browser origins allowed to call the token endpoint.
	// Empty disables CORS.
	AllowedOrigins []string
}

// applyDefaults fills in the zero values of config
func applyDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Security.TrustedProxyCount <= 0 {
		config.Security.TrustedProxyCount = 1
	}
	if config.Instrumentation.ServiceName == "" {
		config.Instrumentation.ServiceName = instrumentation.DefaultServiceName
	}
	return config
}
