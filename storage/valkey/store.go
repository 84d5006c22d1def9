package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "ptero:"

	// DefaultTokenRetention is how long tokens are kept after they expire.
	// Expired tokens stay readable so introspection can report them inactive.
	DefaultTokenRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// sizeCallbackTimeout bounds the lookups behind the storage size gauges
	sizeCallbackTimeout = 2 * time.Second

	// minTokenTTL keeps a token that is saved already expired readable briefly
	minTokenTTL = time.Second
)

// Hash field values for the active flag
const (
	flagActive   = "1"
	flagInactive = "0"
)

// Script status replies
const (
	statusOK               = "OK"
	statusConflict         = "CONFLICT"
	statusNotFound         = "NOT_FOUND"
	statusUserNotFound     = "USER_NOT_FOUND"
	statusAlreadyConsumed  = "ALREADY_CONSUMED"
	statusExpired          = "EXPIRED"
	statusRedirectMismatch = "REDIRECT_MISMATCH"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "ptero:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// TokenRetention is how long access and refresh tokens are kept past
	// their expiry before Valkey evicts them. Default: 24 hours
	TokenRetention time.Duration
}

// Store is a Valkey-backed implementation of storage.Store.
// Every compare-and-swap runs as a single Lua script, so concurrent servers
// sharing one Valkey instance observe the same single winner.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.ScopeStore  = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.TokenRetention
	if retention <= 0 {
		retention = DefaultTokenRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Storage size gauges read the counters kept next to the records; the token
// gauge counts writes and is not decremented when Valkey evicts a token.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.count(s.client.B().Scard().Key(s.clientSetKey()).Build()) },
		func() int64 { return s.count(s.client.B().Get().Key(s.counterKey("grants")).Build()) },
		func() int64 { return s.count(s.client.B().Get().Key(s.counterKey("tokens")).Build()) },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// count runs a single integer-valued command for the size gauges.
func (s *Store) count(cmd valkeygo.Completed) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), sizeCallbackTimeout)
	defer cancel()
	n, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil && !isNilError(err) {
		s.logger.Debug("Failed to read storage size", "error", err)
	}
	return n
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) clientSetKey() string {
	return s.prefix + "clients"
}

func (s *Store) scopesKey() string {
	return s.prefix + "scopes"
}

func (s *Store) grantKeyPrefix() string {
	return s.prefix + "grant:"
}

func (s *Store) grantKey(grantID string) string {
	return s.grantKeyPrefix() + grantID
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// refreshGrantKey enforces one refresh token per grant.
func (s *Store) refreshGrantKey(grantID string) string {
	return fmt.Sprintf("%srefresh:grant:%s", s.prefix, grantID)
}

func (s *Store) userKey(name string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, name)
}

func (s *Store) subjectKey(subject string) string {
	return fmt.Sprintf("%ssubject:%s", s.prefix, subject)
}

func (s *Store) apiKeyKey(digest string) string {
	return fmt.Sprintf("%sapikey:%s", s.prefix, digest)
}

func (s *Store) counterKey(name string) string {
	return fmt.Sprintf("%sstats:%s", s.prefix, name)
}

// ============================================================
// Script Execution
// ============================================================

// eval runs a Lua script and returns its reply as a string slice whose first
// element is the status.
func (s *Store) eval(ctx context.Context, script string, keys, args []string) ([]string, error) {
	cmd := s.client.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build()
	reply, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty script reply")
	}
	return reply, nil
}

// isNilError checks if an error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Value Encoding
// ============================================================

func encodeBool(b bool) string {
	if b {
		return flagActive
	}
	return flagInactive
}

// encodeTime formats t for hash fields; the zero time encodes as "".
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t, nil
}

// encodeInstant formats t as fixed width nanoseconds so Lua can compare two
// instants as strings.
func encodeInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

// tokenTTL returns the lifetime of a token record, or zero for no expiry.
func (s *Store) tokenTTL(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt.Add(s.retention))
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	return ttl
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
