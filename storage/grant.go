package storage

import (
	"slices"
	"time"
)

// GrantKind tags the Grant variant.
type GrantKind int

const (
	// GrantKindAuthorizationCode is created by the code flow and redeemed once.
	GrantKindAuthorizationCode GrantKind = iota + 1

	// GrantKindClientCredentials is created when a confidential client
	// authenticates for itself.
	GrantKindClientCredentials

	// GrantKindImplicit is created when a public client obtains a token
	// directly from the authorization endpoint.
	GrantKindImplicit
)

// String returns the grant kind name.
func (k GrantKind) String() string {
	switch k {
	case GrantKindAuthorizationCode:
		return "authorization_code"
	case GrantKindClientCredentials:
		return "client_credentials"
	case GrantKindImplicit:
		return "implicit"
	default:
		return "unknown"
	}
}

// Grant authorizes token issuance to a client for a user and scope set.
// Only authorization code grants carry mutable state (Active) and the fields
// in the code block below.
type Grant struct {
	ID        string
	Kind      GrantKind
	ClientID  string
	UserName  string // empty for client credentials grants
	Scopes    []string
	CreatedAt time.Time

	// Authorization code grants only.
	Code          string
	RedirectURI   string
	Active        bool
	ExpiresAt     time.Time
	DeactivatedAt time.Time
}

// Clone returns a deep copy of g.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out
}
