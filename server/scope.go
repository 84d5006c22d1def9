package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/giantswarm/ptero-auth/storage"
)

// ScopeOpenID requests an ID token. It never designates an audience.
const ScopeOpenID = "openid"

// ScopeCatalog resolves scopes to the Confidential client acting as their
// resource audience. The relation is a lookup keyed by scope value.
type ScopeCatalog struct {
	store  storage.ScopeStore
	logger *slog.Logger
}

// NewScopeCatalog creates a scope catalog over store
func NewScopeCatalog(store storage.ScopeStore, logger *slog.Logger) *ScopeCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopeCatalog{store: store, logger: logger}
}

// Audience returns the id of the audience client for scope. ok is false when
// the scope is unknown or has no audience.
func (c *ScopeCatalog) Audience(ctx context.Context, scope string) (clientID string, ok bool, err error) {
	if scope == ScopeOpenID {
		return "", false, nil
	}
	clientID, err = c.store.AudienceFor(ctx, scope)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve audience for scope %q: %w", scope, err)
	}
	return clientID, true, nil
}

// Audiences resolves the audience of every scope except openid and returns
// the distinct client ids in scope order. Scopes without an audience
// contribute nothing and are reported in unresolved.
func (c *ScopeCatalog) Audiences(ctx context.Context, scopes []string) (clientIDs, unresolved []string, err error) {
	for _, scope := range scopes {
		if scope == ScopeOpenID {
			continue
		}
		id, ok, err := c.Audience(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			unresolved = append(unresolved, scope)
			continue
		}
		if !slices.Contains(clientIDs, id) {
			clientIDs = append(clientIDs, id)
		}
	}
	return clientIDs, unresolved, nil
}

// List returns the full catalog sorted by value
func (c *ScopeCatalog) List(ctx context.Context) ([]*storage.Scope, error) {
	return c.store.ListScopes(ctx)
}
