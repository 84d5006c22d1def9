package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Engine Metrics
	AuthorizationGranted metric.Int64Counter
	AuthorizationDenied  metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	IDTokenIssued        metric.Int64Counter
	ClientRegistered     metric.Int64Counter
	APIKeyIssued         metric.Int64Counter

	// Security Metrics
	CodeReuseDetected metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClientsCount      metric.Int64ObservableGauge
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge

	// Identity Provider Metrics
	ProviderCallsTotal   metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"ptero.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"ptero.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationGranted, err = serverMeter.Int64Counter(
		"ptero.authorization.granted",
		metric.WithDescription("Number of successful authorization requests"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.granted counter: %w", err)
	}

	m.AuthorizationDenied, err = serverMeter.Int64Counter(
		"ptero.authorization.denied",
		metric.WithDescription("Number of rejected authorization requests"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.denied counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"ptero.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenIssued, err = serverMeter.Int64Counter(
		"ptero.token.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"ptero.token.refreshed",
		metric.WithDescription("Number of access tokens minted from refresh tokens"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.IDTokenIssued, err = serverMeter.Int64Counter(
		"ptero.id_token.issued",
		metric.WithDescription("Number of ID tokens composed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create id_token.issued counter: %w", err)
	}

	m.ClientRegistered, err = serverMeter.Int64Counter(
		"ptero.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.APIKeyIssued, err = serverMeter.Int64Counter(
		"ptero.api_key.issued",
		metric.WithDescription("Number of API keys issued"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_key.issued counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"ptero.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"ptero.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of stored grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.tokens.count",
		metric.WithDescription("Number of stored access and refresh tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.ProviderCallsTotal, err = providerMeter.Int64Counter(
		"provider.calls.total",
		metric.WithDescription("Total number of identity provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.calls.total counter: %w", err)
	}

	m.ProviderCallDuration, err = providerMeter.Float64Histogram(
		"provider.call.duration",
		metric.WithDescription("Identity provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.call.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationGranted records a successful authorization request
func (m *Metrics) RecordAuthorizationGranted(ctx context.Context, clientType, responseType string) {
	m.AuthorizationGranted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
		attribute.String("response_type", responseType),
	))
}

// RecordAuthorizationDenied records a rejected authorization request
func (m *Metrics) RecordAuthorizationDenied(ctx context.Context, errorCode string, redirected bool) {
	m.AuthorizationDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error", errorCode),
		attribute.Bool("redirected", redirected),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenIssued records an access token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenKind string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_kind", tokenKind),
	))
}

// RecordTokenRefresh records a refresh token redemption
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordIDTokenIssued records an ID token composition
func (m *Metrics) RecordIDTokenIssued(ctx context.Context, audiences int, encrypted bool) {
	m.IDTokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("audiences", audiences),
		attribute.Bool("encrypted", encrypted),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordAPIKeyIssued records an API key issuance
func (m *Metrics) RecordAPIKeyIssued(ctx context.Context) {
	m.APIKeyIssued.Add(ctx, 1)
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderCall records an identity provider call
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}

	m.ProviderCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.ProviderCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}
