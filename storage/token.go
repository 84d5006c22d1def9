package storage

import "time"

// AccessTokenKind tags the AccessToken variant.
type AccessTokenKind int

const (
	// AccessTokenSingleton is issued once and cannot be refreshed
	// (implicit and client credentials flows).
	AccessTokenSingleton AccessTokenKind = iota + 1

	// AccessTokenRefreshable is minted from a RefreshToken.
	AccessTokenRefreshable
)

// String returns the access token kind name.
func (k AccessTokenKind) String() string {
	switch k {
	case AccessTokenSingleton:
		return "singleton"
	case AccessTokenRefreshable:
		return "refreshable"
	default:
		return "unknown"
	}
}

// AccessToken is an opaque bearer token. User, client and scopes are not
// stored on the token; they are derived from the owning grant, reached
// directly (Singleton) or through the refresh token (Refreshable).
type AccessToken struct {
	Token         string
	Kind          AccessTokenKind
	GrantID       string // Singleton only
	RefreshToken  string // Refreshable only
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Active        bool
	DeactivatedAt time.Time
}

// RefreshToken is a long-lived credential bound 1:1 to an authorization code grant.
type RefreshToken struct {
	Token         string
	GrantID       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Active        bool
	DeactivatedAt time.Time
}
