package pteroauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// validateAllowedOrigins checks the CORS origin list at startup.
//
// Validates:
//   - Origins must be scheme://host with no path or trailing slash
//   - The wildcard "*" is rejected; token responses are per-client secrets
//   - Plain HTTP origins outside localhost are logged as a warning
func validateAllowedOrigins(origins []string, logger *slog.Logger) error {
	for _, origin := range origins {
		if err := validateOrigin(origin, logger); err != nil {
			return err
		}
	}
	if len(origins) > 0 {
		logger.Debug("CORS configuration validated", "allowed_origins_count", len(origins))
	}
	return nil
}

func validateOrigin(origin string, logger *slog.Logger) error {
	if origin == "*" {
		return fmt.Errorf("CORS: wildcard origin '*' is not supported, list each origin (e.g. https://app.example.com)")
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CORS: invalid origin format '%s' (must be scheme://host, e.g. https://app.example.com)", origin)
	}
	if strings.HasSuffix(origin, "/") {
		return fmt.Errorf("CORS: origin '%s' should not have trailing slash (use %s)", origin, strings.TrimSuffix(origin, "/"))
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("CORS: origin '%s' must not carry a path, query or fragment", origin)
	}

	if u.Scheme == "http" {
		hostname := u.Hostname()
		if hostname != "localhost" && hostname != "127.0.0.1" && hostname != "::1" {
			logger.Warn("CORS: HTTP origin allowed",
				"origin", origin,
				"recommendation", "Use HTTPS origins in production")
		}
	}
	return nil
}
