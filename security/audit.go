package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// AuditRecorder receives a notification per audit event (e.g. a metrics counter).
type AuditRecorder func(ctx context.Context, eventType string)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder AuditRecorder
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetRecorder registers a callback invoked for every logged event
func (a *Auditor) SetRecorder(recorder AuditRecorder) {
	a.recorder = recorder
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserName  string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the user name hashed
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	attrs := []any{
		"event_type", event.Type,
		"user_hash", hashForLogging(event.UserName),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	a.logger.InfoContext(ctx, "security_audit", attrs...)

	if a.recorder != nil {
		a.recorder(ctx, event.Type)
	}
}

// LogAuthorizationGranted logs a successful authorization request
func (a *Auditor) LogAuthorizationGranted(ctx context.Context, userName, clientID, ipAddress, responseType, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthorizationGranted,
		UserName:  userName,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"response_type": responseType,
			"scope":         scope,
		},
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(ctx context.Context, userName, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		UserName:  userName,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userName, clientID, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRefreshed,
		UserName:  userName,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeReuse logs a redemption attempt for an already consumed code
func (a *Auditor) LogCodeReuse(ctx context.Context, clientID, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthorizationCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, userName, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		UserName:  userName,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogInvalidRedirect logs a rejected redirect URI
func (a *Auditor) LogInvalidRedirect(ctx context.Context, clientID, ipAddress, redirectURI string) {
	a.LogEvent(ctx, Event{
		Type:      EventInvalidRedirect,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(ctx context.Context, clientID, createdBy, ipAddress string, audienceFor []string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientRegistered,
		UserName:  createdBy,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"audience_for": audienceFor,
		},
	})
}

// LogAPIKeyIssued logs when an API key is created
func (a *Auditor) LogAPIKeyIssued(ctx context.Context, userName, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventAPIKeyIssued,
		UserName:  userName,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
