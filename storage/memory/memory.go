package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/storage"
)

// tokenIDLogLength is the number of characters logged from codes and tokens
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	scopes  map[string]*storage.Scope

	grants     map[string]*storage.Grant // grant ID -> grant
	grantCodes map[string]string         // authorization code -> grant ID

	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	users   map[string]*storage.User
	apiKeys map[string]*storage.APIKey // key digest -> key

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic atomic.Int64
	grantsCountAtomic  atomic.Int64
	tokensCountAtomic  atomic.Int64

	logger *slog.Logger
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

// New creates a new, empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		scopes:        make(map[string]*storage.Scope),
		grants:        make(map[string]*storage.Grant),
		grantCodes:    make(map[string]string),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		users:         make(map[string]*storage.User),
		apiKeys:       make(map[string]*storage.APIKey),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.tokensCountAtomic.Store(int64(len(s.accessTokens) + len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// ClientStore
// ============================================================

// CreateClient inserts a client and claims its audience scopes atomically.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}
	if !client.IsConfidential() {
		err = fmt.Errorf("only confidential clients are persisted")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err = fmt.Errorf("%w: client %s already exists", storage.ErrConflict, client.ClientID)
		return err
	}
	for _, scope := range client.AudienceFor {
		if existing, ok := s.scopes[scope]; ok && existing.AudienceClientID != "" {
			err = fmt.Errorf("%w: scope %q already has an audience", storage.ErrConflict, scope)
			return err
		}
	}

	s.ensureScopesLocked(client.AllowedScopes)
	s.ensureScopesLocked(client.DefaultScopes)
	s.ensureScopesLocked(client.AudienceFor)
	for _, scope := range client.AudienceFor {
		s.scopes[scope].AudienceClientID = client.ClientID
	}

	s.clients[client.ClientID] = client.Clone()
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Stored client", "client_id", client.ClientID, "audience_for", client.AudienceFor)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}
	return client.Clone(), nil
}

// ListClients lists all registered clients sorted by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_clients", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// DeactivateClient soft-deletes a client
func (s *Store) DeactivateClient(ctx context.Context, clientID, deactivatedBy string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return err
	}
	if !client.Active {
		err = fmt.Errorf("%w: client %s", storage.ErrAlreadyConsumed, clientID)
		return err
	}
	client.Active = false
	client.DeactivatedBy = deactivatedBy
	client.DeactivatedAt = at
	return nil
}

// ============================================================
// ScopeStore
// ============================================================

// EnsureScopes adds missing scope values to the catalog
func (s *Store) EnsureScopes(ctx context.Context, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureScopesLocked(values)
	return nil
}

func (s *Store) ensureScopesLocked(values []string) {
	for _, v := range values {
		if _, ok := s.scopes[v]; !ok {
			s.scopes[v] = &storage.Scope{Value: v}
		}
	}
}

// ListScopes returns the catalog sorted by value
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		copied := *scope
		scopes = append(scopes, &copied)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Value < scopes[j].Value })
	return scopes, nil
}

// AudienceFor resolves the audience client of a scope
func (s *Store) AudienceFor(ctx context.Context, scope string) (string, error) {
	ctx, span := s.startStorageSpan(ctx, "audience_for")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "audience_for", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.scopes[scope]
	if !ok || entry.AudienceClientID == "" {
		err = fmt.Errorf("%w: no audience for scope %q", storage.ErrNotFound, scope)
		return "", err
	}
	return entry.AudienceClientID, nil
}

// ============================================================
// GrantStore
// ============================================================

// SaveGrant persists a new grant
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil || grant.ID == "" {
		err = fmt.Errorf("grant ID cannot be empty")
		return err
	}
	if grant.Kind == storage.GrantKindAuthorizationCode && grant.Code == "" {
		err = fmt.Errorf("authorization code grant requires a code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		err = fmt.Errorf("%w: grant %s", storage.ErrConflict, grant.ID)
		return err
	}
	if grant.Code != "" {
		if _, exists := s.grantCodes[grant.Code]; exists {
			err = fmt.Errorf("%w: authorization code", storage.ErrConflict)
			return err
		}
		s.grantCodes[grant.Code] = grant.ID
	}
	s.grants[grant.ID] = grant.Clone()
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	return nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[grantID]
	if !ok {
		err = fmt.Errorf("%w: grant %s", storage.ErrNotFound, grantID)
		return nil, err
	}
	return grant.Clone(), nil
}

// ConsumeAuthorizationCode redeems an authorization code exactly once.
// The whole check-and-set runs under the write lock.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	grantID, ok := s.grantCodes[code]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	grant := s.grants[grantID]
	if grant == nil || grant.ClientID != clientID {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	if !grant.Active {
		err = fmt.Errorf("%w: authorization code", storage.ErrAlreadyConsumed)
		return nil, err
	}
	if !grant.ExpiresAt.IsZero() && !now.Before(grant.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code", storage.ErrExpired)
		return nil, err
	}
	if grant.RedirectURI != redirectURI {
		err = storage.ErrRedirectMismatch
		return nil, err
	}

	grant.Active = false
	grant.DeactivatedAt = now
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return grant.Clone(), nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken persists an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[token.Token]; exists {
		err = fmt.Errorf("%w: access token", storage.ErrConflict)
		return err
	}
	copied := *token
	s.accessTokens[token.Token] = &copied
	s.tokensCountAtomic.Store(int64(len(s.accessTokens) + len(s.refreshTokens)))
	return nil
}

// GetAccessToken retrieves an access token by value
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return nil, err
	}
	copied := *at
	return &copied, nil
}

// DeactivateAccessToken flips the active flag if it is still set
func (s *Store) DeactivateAccessToken(ctx context.Context, token string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_access_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accessTokens[token]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return err
	}
	if !stored.Active {
		err = fmt.Errorf("%w: access token", storage.ErrAlreadyConsumed)
		return err
	}
	stored.Active = false
	stored.DeactivatedAt = at
	return nil
}

// SaveRefreshToken persists a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("refresh token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; exists {
		err = fmt.Errorf("%w: refresh token", storage.ErrConflict)
		return err
	}
	for _, existing := range s.refreshTokens {
		if existing.GrantID == token.GrantID {
			err = fmt.Errorf("%w: grant %s already has a refresh token", storage.ErrConflict, token.GrantID)
			return err
		}
	}
	copied := *token
	s.refreshTokens[token.Token] = &copied
	s.tokensCountAtomic.Store(int64(len(s.accessTokens) + len(s.refreshTokens)))
	return nil
}

// GetRefreshToken retrieves a refresh token by value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return nil, err
	}
	copied := *rt
	return &copied, nil
}

// DeactivateRefreshToken flips the active flag if it is still set
func (s *Store) DeactivateRefreshToken(ctx context.Context, token string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return err
	}
	if !stored.Active {
		err = fmt.Errorf("%w: refresh token", storage.ErrAlreadyConsumed)
		return err
	}
	stored.Active = false
	stored.DeactivatedAt = at
	return nil
}

// ============================================================
// UserStore
// ============================================================

// GetOrCreateUser returns the named user, creating it if needed
func (s *Store) GetOrCreateUser(ctx context.Context, name, subject string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_or_create_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_or_create_user", err, startTime)
	}()

	if name == "" || subject == "" {
		err = fmt.Errorf("user name and subject cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[name]; ok {
		copied := *user
		return &copied, nil
	}
	for _, user := range s.users {
		if user.Subject == subject {
			err = fmt.Errorf("%w: subject already assigned", storage.ErrConflict)
			return nil, err
		}
	}

	user := &storage.User{Name: name, Subject: subject, CreatedAt: time.Now()}
	s.users[name] = user
	copied := *user
	return &copied, nil
}

// GetUser retrieves a user by name
func (s *Store) GetUser(ctx context.Context, name string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, name)
	}
	copied := *user
	return &copied, nil
}

// SaveAPIKey persists a new API key
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	ctx, span := s.startStorageSpan(ctx, "save_api_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_api_key", err, startTime)
	}()

	if key == nil || key.Digest == "" {
		err = fmt.Errorf("api key digest cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[key.UserName]; !ok {
		err = fmt.Errorf("%w: user %s", storage.ErrNotFound, key.UserName)
		return err
	}
	if _, exists := s.apiKeys[key.Digest]; exists {
		err = fmt.Errorf("%w: api key", storage.ErrConflict)
		return err
	}
	copied := *key
	s.apiKeys[key.Digest] = &copied
	return nil
}

// UseAPIKey resolves an active key and records its usage
func (s *Store) UseAPIKey(ctx context.Context, digest string, at time.Time) (*storage.APIKey, error) {
	ctx, span := s.startStorageSpan(ctx, "use_api_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "use_api_key", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[digest]
	if !ok || !key.Active {
		err = fmt.Errorf("%w: api key", storage.ErrNotFound)
		return nil, err
	}
	key.UsageCount++
	key.LastUsed = at
	copied := *key
	return &copied, nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// A span from an empty context is non-recording; ending it must not
		// end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
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
