package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// tokenLogLength is the number of characters logged from codes and tokens
const tokenLogLength = 8

// TokenTypeBearer is the token_type of every access token
const TokenTypeBearer = "Bearer"

// TokenIssuer mints access and refresh tokens and decides their validity.
type TokenIssuer struct {
	store      storage.TokenStore
	grants     storage.GrantStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(store storage.TokenStore, grants storage.GrantStore, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *TokenIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{
		store:      store,
		grants:     grants,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// TokenInfo describes a valid access token.
type TokenInfo struct {
	Kind      storage.AccessTokenKind
	ClientID  string
	UserName  string
	Scopes    []string
	ExpiresAt time.Time
}

// NewAccessToken builds an unsaved access token. It is Refreshable when
// refresh is non-nil and Singleton otherwise.
func (t *TokenIssuer) NewAccessToken(grant *storage.Grant, refresh *storage.RefreshToken, now time.Time) *storage.AccessToken {
	token := &storage.AccessToken{
		Token:     generateRandomToken(),
		Kind:      storage.AccessTokenSingleton,
		GrantID:   grant.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(t.accessTTL),
		Active:    true,
	}
	if refresh != nil {
		token.Kind = storage.AccessTokenRefreshable
		token.GrantID = ""
		token.RefreshToken = refresh.Token
	}
	return token
}

// NewRefreshToken builds an unsaved refresh token for grant
func (t *TokenIssuer) NewRefreshToken(grant *storage.Grant, now time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     generateRandomToken(),
		GrantID:   grant.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(t.refreshTTL),
		Active:    true,
	}
}

// Commit persists tokens built by NewRefreshToken and NewAccessToken.
// refresh may be nil.
func (t *TokenIssuer) Commit(ctx context.Context, refresh *storage.RefreshToken, access *storage.AccessToken) error {
	if refresh != nil {
		if err := t.store.SaveRefreshToken(ctx, refresh); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}
	if err := t.store.SaveAccessToken(ctx, access); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	t.logger.Debug("Issued access token",
		"kind", access.Kind.String(),
		"token_prefix", util.SafeTruncate(access.Token, tokenLogLength),
		"expires_at", access.ExpiresAt)
	return nil
}

// IssueAccessToken mints and persists a Singleton access token for grant
func (t *TokenIssuer) IssueAccessToken(ctx context.Context, grant *storage.Grant, now time.Time) (*storage.AccessToken, error) {
	access := t.NewAccessToken(grant, nil, now)
	if err := t.Commit(ctx, nil, access); err != nil {
		return nil, err
	}
	return access, nil
}

// IssueRefreshToken mints and persists a refresh token for grant together
// with its first Refreshable access token.
func (t *TokenIssuer) IssueRefreshToken(ctx context.Context, grant *storage.Grant, now time.Time) (*storage.RefreshToken, *storage.AccessToken, error) {
	refresh := t.NewRefreshToken(grant, now)
	access := t.NewAccessToken(grant, refresh, now)
	if err := t.Commit(ctx, refresh, access); err != nil {
		return nil, nil, err
	}
	return refresh, access, nil
}

// ResolveRefreshToken checks that a refresh token is active, unexpired and
// belongs to clientID, and returns it with its grant.
func (t *TokenIssuer) ResolveRefreshToken(ctx context.Context, token, clientID string, now time.Time) (*storage.RefreshToken, *storage.Grant, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	refresh, err := t.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown refresh token", ErrRefreshTokenInvalid)
		}
		return nil, nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if !refresh.Active {
		return nil, nil, fmt.Errorf("%w: refresh token is inactive", ErrRefreshTokenInvalid)
	}
	if security.IsExpired(now, refresh.ExpiresAt) {
		return nil, nil, fmt.Errorf("%w: refresh token expired", ErrRefreshTokenInvalid)
	}

	grant, err := t.grants.GetGrant(ctx, refresh.GrantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load grant of refresh token: %w", err)
	}
	if grant.ClientID != clientID {
		return nil, nil, fmt.Errorf("%w: refresh token issued to another client", ErrRefreshTokenInvalid)
	}
	return refresh, grant, nil
}

// Refresh mints a new Refreshable access token bound to the grant of the
// refresh token, without re-running authorization.
func (t *TokenIssuer) Refresh(ctx context.Context, token, clientID string, now time.Time) (*storage.AccessToken, *storage.Grant, error) {
	refresh, grant, err := t.ResolveRefreshToken(ctx, token, clientID, now)
	if err != nil {
		return nil, nil, err
	}
	access := t.NewAccessToken(grant, refresh, now)
	if err := t.Commit(ctx, nil, access); err != nil {
		return nil, nil, err
	}
	return access, grant, nil
}

// Validate returns the grant data of an access token that is active and
// unexpired. Deactivation and expiry are checked independently.
func (t *TokenIssuer) Validate(ctx context.Context, token string, now time.Time) (*TokenInfo, error) {
	access, err := t.store.GetAccessToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if !access.Active {
		return nil, fmt.Errorf("%w: access token is inactive", storage.ErrAlreadyConsumed)
	}
	if security.IsExpired(now, access.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrExpired)
	}

	grantID := access.GrantID
	if access.Kind == storage.AccessTokenRefreshable {
		refresh, err := t.store.GetRefreshToken(ctx, access.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to load refresh token of access token: %w", err)
		}
		grantID = refresh.GrantID
	}
	grant, err := t.grants.GetGrant(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant of access token: %w", err)
	}

	return &TokenInfo{
		Kind:      access.Kind,
		ClientID:  grant.ClientID,
		UserName:  grant.UserName,
		Scopes:    grant.Scopes,
		ExpiresAt: access.ExpiresAt,
	}, nil
}

// Deactivate flips the active flag of an access token
func (t *TokenIssuer) Deactivate(ctx context.Context, token string, now time.Time) error {
	return t.store.DeactivateAccessToken(ctx, token, now)
}
