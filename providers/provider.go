package providers

import (
	"context"
	"errors"
	"slices"
	"sort"
)

// Claim field names understood by the bundled providers.
const (
	ClaimPosix = "posix"
	ClaimRoles = "roles"
)

var (
	// ErrInvalidCredentials is returned when a username/password pair is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownUser is returned when the provider has no record of a user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownClaimField is returned when a requested claim field is not supported.
	ErrUnknownClaimField = errors.New("unknown claim field")
)

// IdentityProvider authenticates resource owners and discloses their claims.
type IdentityProvider interface {
	// Name returns the provider name (e.g., "static", "posix", "ldap")
	Name() string

	// Authenticate verifies a username/password pair.
	// Returns ErrInvalidCredentials on mismatch.
	Authenticate(ctx context.Context, username, password string) error

	// Claims returns the requested claim fields for username keyed by field name.
	// Every field must be present in the result or the call fails.
	Claims(ctx context.Context, username string, fields []string) (map[string]any, error)

	// HealthCheck verifies that the provider is reachable and functioning correctly.
	HealthCheck(ctx context.Context) error
}

// PosixInfo is the value of the posix claim.
type PosixInfo struct {
	Username string `json:"username" yaml:"username"`
	UID      int    `json:"uid" yaml:"uid"`
	GID      int    `json:"gid" yaml:"gid"`

	// Groups lists the primary GID first, then supplementary GIDs.
	Groups []int `json:"groups" yaml:"groups"`
}

// NormalizeGroups returns primary followed by the sorted, de-duplicated
// supplementary group IDs.
func NormalizeGroups(primary int, supplementary []int) []int {
	rest := slices.Clone(supplementary)
	sort.Ints(rest)
	rest = slices.Compact(rest)

	groups := []int{primary}
	for _, gid := range rest {
		if gid != primary {
			groups = append(groups, gid)
		}
	}
	return groups
}

// SupportsField reports whether field is one of the bundled claim fields.
func SupportsField(field string) bool {
	return field == ClaimPosix || field == ClaimRoles
}
