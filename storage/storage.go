package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by every Store implementation. Callers classify
// failures with errors.Is; implementations wrap them with context.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an insert violates a uniqueness constraint,
	// e.g. a second client claiming the same scope as audience.
	ErrConflict = errors.New("uniqueness constraint violated")

	// ErrAlreadyConsumed is returned when a compare-and-swap on an active flag
	// loses, i.e. the record is already inactive.
	ErrAlreadyConsumed = errors.New("record already consumed")

	// ErrExpired is returned when a time-bound record is past its expiry.
	ErrExpired = errors.New("record expired")

	// ErrRedirectMismatch is returned when an authorization code is presented
	// with a redirect URI different from the one it was issued for.
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
)

// ClientStore manages Confidential client registrations.
// Public clients are never persisted.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient inserts a new client and claims every scope in
	// client.AudienceFor for it, all or nothing. It returns ErrConflict when the
	// client id exists or any audience scope is already claimed by another client.
	// Scopes referenced by the client are added to the catalog as needed.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Inactive clients are returned too.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeactivateClient soft-deletes a client. It returns ErrAlreadyConsumed
	// when the client is already inactive.
	DeactivateClient(ctx context.Context, clientID, deactivatedBy string, at time.Time) error
}

// ScopeStore is the scope catalog.
type ScopeStore interface {
	// EnsureScopes adds any missing scope values to the catalog.
	EnsureScopes(ctx context.Context, values []string) error

	// ListScopes returns every known scope with its audience, sorted by value.
	ListScopes(ctx context.Context) ([]*Scope, error)

	// AudienceFor returns the id of the Confidential client registered as the
	// audience for scope, or ErrNotFound when the scope has no audience.
	AudienceFor(ctx context.Context, scope string) (string, error)
}

// GrantStore persists grants.
type GrantStore interface {
	// SaveGrant persists a new grant. Authorization code grants must carry a
	// unique Code; a duplicate yields ErrConflict.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant by its ID.
	GetGrant(ctx context.Context, grantID string) (*Grant, error)

	// ConsumeAuthorizationCode redeems an authorization code exactly once.
	// Checks run in this order and the first failure wins:
	//   - unknown code, or code issued to another client: ErrNotFound
	//   - code already redeemed: ErrAlreadyConsumed
	//   - code past its expiry: ErrExpired
	//   - redirectURI differs from the one bound at issuance: ErrRedirectMismatch
	// On success the grant is marked inactive with a conditional update on its
	// active flag, so that concurrent redeemers observe ErrAlreadyConsumed.
	// A redirect mismatch leaves the code active.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*Grant, error)
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken persists a newly minted access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by its value. Inactive and
	// expired tokens are returned; callers decide validity.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeactivateAccessToken flips the active flag with a conditional update.
	// It returns ErrAlreadyConsumed when the token was already inactive.
	DeactivateAccessToken(ctx context.Context, token string, at time.Time) error

	// SaveRefreshToken persists a newly minted refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by its value.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeactivateRefreshToken flips the active flag with a conditional update.
	DeactivateRefreshToken(ctx context.Context, token string, at time.Time) error
}

// UserStore persists resource owners and their API keys.
type UserStore interface {
	// GetOrCreateUser returns the user with the given name, creating it with
	// the supplied subject when it does not exist. Concurrent callers for the
	// same name all observe the same subject.
	GetOrCreateUser(ctx context.Context, name, subject string) (*User, error)

	// GetUser retrieves a user by name.
	GetUser(ctx context.Context, name string) (*User, error)

	// SaveAPIKey persists a new API key.
	SaveAPIKey(ctx context.Context, key *APIKey) error

	// UseAPIKey looks up an active API key by digest, increments its usage
	// count and stamps LastUsed. Unknown or inactive keys yield ErrNotFound.
	UseAPIKey(ctx context.Context, digest string, at time.Time) (*APIKey, error)
}

// Store combines every storage interface. Both bundled implementations satisfy it.
type Store interface {
	ClientStore
	ScopeStore
	GrantStore
	TokenStore
	UserStore
}
