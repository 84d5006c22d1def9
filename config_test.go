package pteroauth

import (
	"io"
	"log/slog"
	"testing"

	"github.com/giantswarm/ptero-auth/instrumentation"
)

func TestApplyDefaults(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		wantProxyCount int
	}{
		{name: "nil config", config: nil, wantProxyCount: 1},
		{name: "zero config", config: &Config{}, wantProxyCount: 1},
		{name: "negative proxy count", config: &Config{Security: SecurityConfig{TrustedProxyCount: -2}}, wantProxyCount: 1},
		{name: "explicit proxy count", config: &Config{Security: SecurityConfig{TrustProxy: true, TrustedProxyCount: 2}}, wantProxyCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyDefaults(tt.config)
			if got.Logger == nil {
				t.Error("Logger should default to slog.Default()")
			}
			if got.Security.TrustedProxyCount != tt.wantProxyCount {
				t.Errorf("TrustedProxyCount = %d, want %d", got.Security.TrustedProxyCount, tt.wantProxyCount)
			}
			if got.Instrumentation.ServiceName != instrumentation.DefaultServiceName {
				t.Errorf("ServiceName = %q, want %q", got.Instrumentation.ServiceName, instrumentation.DefaultServiceName)
			}
		})
	}
}

func TestValidateAllowedOrigins(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		wantErr bool
	}{
		{name: "none", origins: nil},
		{name: "https", origins: []string{"https://app.example.com", "https://app.example.com:8443"}},
		{name: "http localhost", origins: []string{"http://localhost:3000"}},
		{name: "http remote warns", origins: []string{"http://app.example.com"}},
		{name: "wildcard", origins: []string{"*"}, wantErr: true},
		{name: "no scheme", origins: []string{"app.example.com"}, wantErr: true},
		{name: "trailing slash", origins: []string{"https://app.example.com/"}, wantErr: true},
		{name: "path", origins: []string{"https://app.example.com/app"}, wantErr: true},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAllowedOrigins(tt.origins, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateAllowedOrigins(%v) error = %v, wantErr %v", tt.origins, err, tt.wantErr)
			}
		})
	}
}
