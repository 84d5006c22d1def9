package server

import (
	"log/slog"
	"net/url"
	"time"
)

const (
	// DefaultIssuer is the iss claim of ID tokens when Config.Issuer is empty
	DefaultIssuer = "https://auth.ptero.gsc.wustl.edu"

	// DefaultClaimNamespace is the key under which non-standard identity
	// claims are nested in ID tokens
	DefaultClaimNamespace = "66deca4c-4e8a-44ce-a617-3d37bc0bcfaa"

	// DefaultAdminRole is the role required to manage clients
	DefaultAdminRole = "pteroadmin"
)

// Config holds engine configuration
type Config struct {
	// Issuer is the iss claim of ID tokens and the base of discovery metadata
	Issuer string

	// ClaimNamespace nests requested identity claims inside ID tokens
	ClaimNamespace string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 600 (10 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// IDTokenTTL is the exp - iat span of ID tokens
	IDTokenTTL int64 // seconds, default: 600 (10 minutes)

	// AdminRole is the identity provider role allowed to register clients
	AdminRole string
}

// applyDefaults fills unset configuration values
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Issuer == "" {
		config.Issuer = DefaultIssuer
	}
	if config.ClaimNamespace == "" {
		config.ClaimNamespace = DefaultClaimNamespace
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 600 // 10 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * 3600 // 30 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 600 // 10 minutes
	}
	if config.AdminRole == "" {
		config.AdminRole = DefaultAdminRole
	}

	if u, err := url.Parse(config.Issuer); err != nil || u.Scheme != "https" {
		logger.Warn("Issuer is not an https URL",
			"issuer", config.Issuer,
			"risk", "ID token consumers may reject the iss claim")
	}
	return config
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
