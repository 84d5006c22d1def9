package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	tokenIDLogLength = 8
	driverName       = "sqlite"
	migrationsTable  = "ptero"
)

// Config configures the SQLite store
type Config struct {
	// Path is the database file. Parent directories are created as needed.
	// Use MemoryPath for an ephemeral database.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database
	// Default: 5s
	BusyTimeout time.Duration

	// SkipMigrations leaves the schema untouched on Open
	SkipMigrations bool

	Logger *slog.Logger
}

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	clientsCountAtomic atomic.Int64
	grantsCountAtomic  atomic.Int64
	tokensCountAtomic  atomic.Int64
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

// Open opens (and by default migrates) the database described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Path != MemoryPath {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if !cfg.SkipMigrations {
		if _, err := s.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.refreshCounts(ctx); err != nil {
		s.logger.Warn("Failed to read storage sizes", "error", err)
	}
	return s, nil
}

// Migrate applies all pending migrations and returns the resulting schema version.
func (s *Store) Migrate() (uint, error) {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations: %w", err)
	}

	target, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, migrationsTable, target)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to migrate database: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database schema version %d is dirty", version)
	}
	return version, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCountAtomic.Load() },
		func() int64 { return s.grantsCountAtomic.Load() },
		func() int64 { return s.tokensCountAtomic.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) refreshCounts(ctx context.Context) error {
	var clients, grants, tokens int64
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM clients),
		(SELECT COUNT(*) FROM grants),
		(SELECT COUNT(*) FROM access_tokens) + (SELECT COUNT(*) FROM refresh_tokens)`).Scan(&clients, &grants, &tokens)
	if err != nil {
		return err
	}
	s.clientsCountAtomic.Store(clients)
	s.grantsCountAtomic.Store(grants)
	s.tokensCountAtomic.Store(tokens)
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// CreateClient inserts a client and claims its audience scopes in one transaction.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "create_client", err, startTime)
	}()

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	if !client.IsConfidential() {
		return fmt.Errorf("only confidential clients are persisted")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var kid, pemData, alg, enc sql.NullString
		if client.PublicKey != nil {
			kid = nullString(client.PublicKey.KeyID)
			pemData = nullString(client.PublicKey.PEM)
			alg = nullString(client.PublicKey.Algorithm)
			enc = nullString(client.PublicKey.Encryption)
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO clients (
			client_id, name, active, created_by, created_at, deactivated_by, deactivated_at,
			secret_hash, redirect_uri_regex, default_redirect_uri,
			allowed_scopes, default_scopes, audience_claims,
			public_key_kid, public_key_pem, public_key_alg, public_key_enc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			client.ClientID, client.Name, client.Active, client.CreatedBy, unixNano(client.CreatedAt),
			nullString(client.DeactivatedBy), unixNano(client.DeactivatedAt),
			client.Confidential.SecretHash, client.Confidential.RedirectURIRegex, client.Confidential.DefaultRedirectURI,
			util.JoinScopes(client.AllowedScopes), util.JoinScopes(client.DefaultScopes), util.JoinScopes(client.AudienceClaims),
			kid, pemData, alg, enc,
		)
		if err != nil {
			return mapConstraint(err, "client "+client.ClientID)
		}

		for _, set := range [][]string{client.AllowedScopes, client.DefaultScopes, client.AudienceFor} {
			if err := ensureScopes(ctx, tx, set); err != nil {
				return err
			}
		}

		for _, scope := range client.AudienceFor {
			res, err := tx.ExecContext(ctx,
				`UPDATE scopes SET audience_client_id = ? WHERE value = ? AND audience_client_id IS NULL`,
				client.ClientID, scope)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("%w: scope %q already has an audience", storage.ErrConflict, scope)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.clientsCountAtomic.Add(1)
	s.logger.Debug("Stored client", "client_id", client.ClientID, "audience_for", client.AudienceFor)
	return nil
}

const clientColumns = `client_id, name, active, created_by, created_at, deactivated_by, deactivated_at,
	secret_hash, redirect_uri_regex, default_redirect_uri,
	allowed_scopes, default_scopes, audience_claims,
	public_key_kid, public_key_pem, public_key_alg, public_key_enc`

func scanClient(row interface{ Scan(...any) error }) (*storage.Client, error) {
	var (
		c                         storage.Client
		conf                      storage.ConfidentialClient
		createdAt, deactivatedAt  sql.NullInt64
		deactivatedBy             sql.NullString
		allowed, defaults, claims string
		kid, pemData, alg, enc    sql.NullString
	)
	err := row.Scan(&c.ClientID, &c.Name, &c.Active, &c.CreatedBy, &createdAt, &deactivatedBy, &deactivatedAt,
		&conf.SecretHash, &conf.RedirectURIRegex, &conf.DefaultRedirectURI,
		&allowed, &defaults, &claims,
		&kid, &pemData, &alg, &enc)
	if err != nil {
		return nil, err
	}

	c.Kind = storage.ClientKindConfidential
	c.Confidential = &conf
	c.CreatedAt = fromUnixNano(createdAt)
	c.DeactivatedBy = deactivatedBy.String
	c.DeactivatedAt = fromUnixNano(deactivatedAt)
	c.AllowedScopes = util.ParseScopes(allowed)
	c.DefaultScopes = util.ParseScopes(defaults)
	c.AudienceClaims = util.ParseScopes(claims)
	if pemData.Valid {
		c.PublicKey = &storage.EncryptionKey{
			KeyID:      kid.String,
			PEM:        pemData.String,
			Algorithm:  alg.String,
			Encryption: enc.String,
		}
	}
	return &c, nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	client, err = scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	audience, err := s.audienceScopes(ctx)
	if err != nil {
		return nil, err
	}
	client.AudienceFor = audience[client.ClientID]
	return client, nil
}

// ListClients lists all registered clients sorted by ID
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "list_clients", err, startTime)
	}()

	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	for rows.Next() {
		client, scanErr := scanClient(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan client: %w", scanErr)
		}
		clients = append(clients, client)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Rows must be closed before the next query; the pool holds one connection.
	audience, err := s.audienceScopes(ctx)
	if err != nil {
		return nil, err
	}
	for _, client := range clients {
		client.AudienceFor = audience[client.ClientID]
	}
	return clients, nil
}

func (s *Store) audienceScopes(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, audience_client_id FROM scopes WHERE audience_client_id IS NOT NULL ORDER BY value`)
	if err != nil {
		return nil, fmt.Errorf("failed to load audience scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var value, clientID string
		if err := rows.Scan(&value, &clientID); err != nil {
			return nil, err
		}
		out[clientID] = append(out[clientID], value)
	}
	return out, rows.Err()
}

// DeactivateClient soft-deletes a client
func (s *Store) DeactivateClient(ctx context.Context, clientID, deactivatedBy string, at time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "deactivate_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_client", err, startTime)
	}()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE clients SET active = 0, deactivated_by = ?, deactivated_at = ? WHERE client_id = ? AND active = 1`,
			deactivatedBy, unixNano(at), clientID)
		if err != nil {
			return err
		}
		return casResult(ctx, tx, res, `SELECT 1 FROM clients WHERE client_id = ?`, clientID, "client "+clientID)
	})
}

// ============================================================
// ScopeStore
// ============================================================

// EnsureScopes adds missing scope values to the catalog
func (s *Store) EnsureScopes(ctx context.Context, values []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return ensureScopes(ctx, tx, values)
	})
}

func ensureScopes(ctx context.Context, tx *sql.Tx, values []string) error {
	for _, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scopes (value) VALUES (?) ON CONFLICT (value) DO NOTHING`, v); err != nil {
			return fmt.Errorf("failed to insert scope %q: %w", v, err)
		}
	}
	return nil
}

// ListScopes returns the catalog sorted by value
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value, audience_client_id FROM scopes ORDER BY value`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []*storage.Scope
	for rows.Next() {
		var scope storage.Scope
		var audience sql.NullString
		if err := rows.Scan(&scope.Value, &audience); err != nil {
			return nil, err
		}
		scope.AudienceClientID = audience.String
		scopes = append(scopes, &scope)
	}
	return scopes, rows.Err()
}

// AudienceFor resolves the audience client of a scope
func (s *Store) AudienceFor(ctx context.Context, scope string) (clientID string, err error) {
	ctx, span := s.startStorageSpan(ctx, "audience_for")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "audience_for", err, startTime)
	}()

	var audience sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT audience_client_id FROM scopes WHERE value = ?`, scope).Scan(&audience)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !audience.Valid) {
		return "", fmt.Errorf("%w: no audience for scope %q", storage.ErrNotFound, scope)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve audience: %w", err)
	}
	return audience.String, nil
}

// ============================================================
// GrantStore
// ============================================================

// SaveGrant persists a new grant
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant ID cannot be empty")
	}
	if grant.Kind == storage.GrantKindAuthorizationCode && grant.Code == "" {
		return fmt.Errorf("authorization code grant requires a code")
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO grants (
		id, kind, client_id, user_name, scopes, created_at, code, redirect_uri, active, expires_at, deactivated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID, int(grant.Kind), grant.ClientID, grant.UserName, util.JoinScopes(grant.Scopes), unixNano(grant.CreatedAt),
		nullString(grant.Code), grant.RedirectURI, grant.Active, unixNano(grant.ExpiresAt), unixNano(grant.DeactivatedAt))
	if err != nil {
		return mapConstraint(err, "grant "+grant.ID)
	}
	s.grantsCountAtomic.Add(1)
	return nil
}

const grantColumns = `id, kind, client_id, user_name, scopes, created_at, code, redirect_uri, active, expires_at, deactivated_at`

func scanGrant(row interface{ Scan(...any) error }) (*storage.Grant, error) {
	var (
		g                                   storage.Grant
		kind                                int
		scopes                              string
		code                                sql.NullString
		createdAt, expiresAt, deactivatedAt sql.NullInt64
	)
	if err := row.Scan(&g.ID, &kind, &g.ClientID, &g.UserName, &scopes, &createdAt, &code, &g.RedirectURI, &g.Active, &expiresAt, &deactivatedAt); err != nil {
		return nil, err
	}
	g.Kind = storage.GrantKind(kind)
	g.Scopes = util.ParseScopes(scopes)
	g.Code = code.String
	g.CreatedAt = fromUnixNano(createdAt)
	g.ExpiresAt = fromUnixNano(expiresAt)
	g.DeactivatedAt = fromUnixNano(deactivatedAt)
	return &g, nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (grant *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	grant, err = scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, grantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant %s", storage.ErrNotFound, grantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	return grant, nil
}

// ConsumeAuthorizationCode redeems an authorization code exactly once.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (grant *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGrant(tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE code = ?`, code))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load grant: %w", err)
		}
		switch {
		case g.ClientID != clientID:
			return fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		case !g.Active:
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyConsumed)
		case !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt):
			return fmt.Errorf("%w: authorization code", storage.ErrExpired)
		case g.RedirectURI != redirectURI:
			return storage.ErrRedirectMismatch
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE grants SET active = 0, deactivated_at = ? WHERE id = ? AND active = 1`,
			unixNano(now), g.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyConsumed)
		}

		g.Active = false
		g.DeactivatedAt = now
		grant = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return grant, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken persists an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO access_tokens (
		token, kind, grant_id, refresh_token, created_at, expires_at, active, deactivated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.Token, int(token.Kind), token.GrantID, token.RefreshToken, unixNano(token.CreatedAt),
		unixNano(token.ExpiresAt), token.Active, unixNano(token.DeactivatedAt))
	if err != nil {
		return mapConstraint(err, "access token")
	}
	s.tokensCountAtomic.Add(1)
	return nil
}

// GetAccessToken retrieves an access token by value
func (s *Store) GetAccessToken(ctx context.Context, token string) (at *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	var (
		out                                 storage.AccessToken
		kind                                int
		createdAt, expiresAt, deactivatedAt sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT token, kind, grant_id, refresh_token, created_at, expires_at, active, deactivated_at
		FROM access_tokens WHERE token = ?`, token).
		Scan(&out.Token, &kind, &out.GrantID, &out.RefreshToken, &createdAt, &expiresAt, &out.Active, &deactivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	out.Kind = storage.AccessTokenKind(kind)
	out.CreatedAt = fromUnixNano(createdAt)
	out.ExpiresAt = fromUnixNano(expiresAt)
	out.DeactivatedAt = fromUnixNano(deactivatedAt)
	return &out, nil
}

// DeactivateAccessToken flips the active flag if it is still set
func (s *Store) DeactivateAccessToken(ctx context.Context, token string, at time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "deactivate_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_access_token", err, startTime)
	}()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE access_tokens SET active = 0, deactivated_at = ? WHERE token = ? AND active = 1`,
			unixNano(at), token)
		if err != nil {
			return err
		}
		return casResult(ctx, tx, res, `SELECT 1 FROM access_tokens WHERE token = ?`, token, "access token")
	})
}

// SaveRefreshToken persists a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO refresh_tokens (
		token, grant_id, created_at, expires_at, active, deactivated_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		token.Token, token.GrantID, unixNano(token.CreatedAt), unixNano(token.ExpiresAt), token.Active, unixNano(token.DeactivatedAt))
	if err != nil {
		return mapConstraint(err, "refresh token")
	}
	s.tokensCountAtomic.Add(1)
	return nil
}

// GetRefreshToken retrieves a refresh token by value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (rt *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	var (
		out                                 storage.RefreshToken
		createdAt, expiresAt, deactivatedAt sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT token, grant_id, created_at, expires_at, active, deactivated_at
		FROM refresh_tokens WHERE token = ?`, token).
		Scan(&out.Token, &out.GrantID, &createdAt, &expiresAt, &out.Active, &deactivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	out.CreatedAt = fromUnixNano(createdAt)
	out.ExpiresAt = fromUnixNano(expiresAt)
	out.DeactivatedAt = fromUnixNano(deactivatedAt)
	return &out, nil
}

// DeactivateRefreshToken flips the active flag if it is still set
func (s *Store) DeactivateRefreshToken(ctx context.Context, token string, at time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "deactivate_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_refresh_token", err, startTime)
	}()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET active = 0, deactivated_at = ? WHERE token = ? AND active = 1`,
			unixNano(at), token)
		if err != nil {
			return err
		}
		return casResult(ctx, tx, res, `SELECT 1 FROM refresh_tokens WHERE token = ?`, token, "refresh token")
	})
}

// ============================================================
// UserStore
// ============================================================

// GetOrCreateUser returns the named user, creating it if needed
func (s *Store) GetOrCreateUser(ctx context.Context, name, subject string) (user *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_or_create_user")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_or_create_user", err, startTime)
	}()

	if name == "" || subject == "" {
		return nil, fmt.Errorf("user name and subject cannot be empty")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (name, subject, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
			name, subject, unixNano(time.Now()))
		if err != nil {
			return mapConstraint(err, "user "+name)
		}
		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT name, subject, created_at FROM users WHERE name = ?`, name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func scanUser(row interface{ Scan(...any) error }) (*storage.User, error) {
	var u storage.User
	var createdAt sql.NullInt64
	if err := row.Scan(&u.Name, &u.Subject, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnixNano(createdAt)
	return &u, nil
}

// GetUser retrieves a user by name
func (s *Store) GetUser(ctx context.Context, name string) (*storage.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT name, subject, created_at FROM users WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// SaveAPIKey persists a new API key
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_api_key")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_api_key", err, startTime)
	}()

	if key == nil || key.Digest == "" {
		return fmt.Errorf("api key digest cannot be empty")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, key.UserName).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s", storage.ErrNotFound, key.UserName)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO api_keys (digest, user_name, active, created_at, usage_count, last_used)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key.Digest, key.UserName, key.Active, unixNano(key.CreatedAt), key.UsageCount, unixNano(key.LastUsed))
		if err != nil {
			return mapConstraint(err, "api key")
		}
		return nil
	})
}

// UseAPIKey resolves an active key and records its usage
func (s *Store) UseAPIKey(ctx context.Context, digest string, at time.Time) (key *storage.APIKey, err error) {
	ctx, span := s.startStorageSpan(ctx, "use_api_key")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "use_api_key", err, startTime)
	}()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET usage_count = usage_count + 1, last_used = ? WHERE digest = ? AND active = 1`,
			unixNano(at), digest)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: api key", storage.ErrNotFound)
		}

		var out storage.APIKey
		var createdAt, lastUsed sql.NullInt64
		err = tx.QueryRowContext(ctx, `SELECT digest, user_name, active, created_at, usage_count, last_used
			FROM api_keys WHERE digest = ?`, digest).
			Scan(&out.Digest, &out.UserName, &out.Active, &createdAt, &out.UsageCount, &lastUsed)
		if err != nil {
			return err
		}
		out.CreatedAt = fromUnixNano(createdAt)
		out.LastUsed = fromUnixNano(lastUsed)
		key = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ============================================================
// Helpers
// ============================================================

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// casResult converts a conditional UPDATE result into ErrNotFound or
// ErrAlreadyConsumed when no row changed.
func casResult(ctx context.Context, tx *sql.Tx, res sql.Result, existsQuery, key, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, existsQuery, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", storage.ErrAlreadyConsumed, what)
}

func mapConstraint(err error, what string) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s", storage.ErrConflict, what)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", storage.ErrConflict, what)
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}

func unixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// A span from an empty context is non-recording; ending it must not
		// end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "sqlite"),
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
