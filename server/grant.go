package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/storage"
)

// GrantLedger issues authorization codes and redeems each of them once.
type GrantLedger struct {
	store   storage.GrantStore
	codeTTL time.Duration
	logger  *slog.Logger
}

// NewGrantLedger creates a grant ledger
func NewGrantLedger(store storage.GrantStore, codeTTL time.Duration, logger *slog.Logger) *GrantLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantLedger{store: store, codeTTL: codeTTL, logger: logger}
}

// IssueAuthorizationCode persists an active authorization code grant bound to
// the exact scope set and redirect URI of the authorization request.
func (l *GrantLedger) IssueAuthorizationCode(ctx context.Context, clientID, userName string, scopes []string, redirectURI string, now time.Time) (*storage.Grant, error) {
	grant := &storage.Grant{
		ID:          util.GenerateID(idSuffixGrant),
		Kind:        storage.GrantKindAuthorizationCode,
		ClientID:    clientID,
		UserName:    userName,
		Scopes:      slices.Clone(scopes),
		CreatedAt:   now,
		Code:        generateRandomToken(),
		RedirectURI: redirectURI,
		Active:      true,
		ExpiresAt:   now.Add(l.codeTTL),
	}
	if err := l.store.SaveGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	l.logger.Debug("Issued authorization code",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(grant.Code, tokenLogLength))
	return grant, nil
}

// Redeem consumes an authorization code for clientID. Absent, consumed,
// expired and foreign codes yield ErrGrantNotFoundOrConsumed (wrapping the
// storage cause); a differing redirect URI yields ErrRedirectURIMismatch and
// leaves the code usable.
func (l *GrantLedger) Redeem(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*storage.Grant, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	grant, err := l.store.ConsumeAuthorizationCode(ctx, code, clientID, redirectURI, now)
	switch {
	case err == nil:
		return grant, nil
	case errors.Is(err, storage.ErrRedirectMismatch):
		return nil, fmt.Errorf("%w: %w", ErrRedirectURIMismatch, err)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrAlreadyConsumed),
		errors.Is(err, storage.ErrExpired):
		return nil, fmt.Errorf("%w: %w", ErrGrantNotFoundOrConsumed, err)
	default:
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
}

// NewGrant builds an unsaved implicit or client credentials grant.
func (l *GrantLedger) NewGrant(kind storage.GrantKind, clientID, userName string, scopes []string, now time.Time) *storage.Grant {
	return &storage.Grant{
		ID:        util.GenerateID(idSuffixGrant),
		Kind:      kind,
		ClientID:  clientID,
		UserName:  userName,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
	}
}

// Record persists a grant built by NewGrant
func (l *GrantLedger) Record(ctx context.Context, grant *storage.Grant) error {
	if err := l.store.SaveGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to save %s grant: %w", grant.Kind, err)
	}
	return nil
}

// Get retrieves a grant by id
func (l *GrantLedger) Get(ctx context.Context, grantID string) (*storage.Grant, error) {
	return l.store.GetGrant(ctx, grantID)
}
