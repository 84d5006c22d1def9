// Package posix implements an identity provider backed by the local user and
// group databases.
//
// Claims are read with os/user. Password verification is delegated to a
// PasswordChecker such as SuChecker; without one every authentication attempt
// is rejected.
package posix

import (
	"context"
	"fmt"
	"os/user"
	"regexp"
	"strconv"

	"github.com/giantswarm/ptero-auth/providers"
)

var validUsername = regexp.MustCompile(`^\w[\w.-]*$`)

// PasswordChecker verifies a password for a local account.
type PasswordChecker interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Lookup abstracts os/user so tests can supply fixed accounts.
type Lookup interface {
	User(username string) (*user.User, error)
	GroupIDs(u *user.User) ([]string, error)
	Group(gid string) (*user.Group, error)
}

type osLookup struct{}

func (osLookup) User(username string) (*user.User, error) { return user.Lookup(username) }
func (osLookup) GroupIDs(u *user.User) ([]string, error)  { return u.GroupIds() }
func (osLookup) Group(gid string) (*user.Group, error)    { return user.LookupGroupId(gid) }

// Config configures the provider
type Config struct {
	// Checker verifies passwords. Nil rejects all passwords.
	Checker PasswordChecker

	// Lookup resolves accounts. Default: os/user
	Lookup Lookup
}

// Provider serves claims for local accounts.
type Provider struct {
	checker PasswordChecker
	lookup  Lookup
}

var _ providers.IdentityProvider = (*Provider)(nil)

// New creates a posix provider
func New(cfg Config) *Provider {
	if cfg.Lookup == nil {
		cfg.Lookup = osLookup{}
	}
	return &Provider{checker: cfg.Checker, lookup: cfg.Lookup}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "posix"
}

// Authenticate verifies the password through the configured checker
func (p *Provider) Authenticate(ctx context.Context, username, password string) error {
	if !validUsername.MatchString(username) || p.checker == nil {
		return providers.ErrInvalidCredentials
	}
	if _, err := p.lookup.User(username); err != nil {
		return providers.ErrInvalidCredentials
	}
	return p.checker.Authenticate(ctx, username, password)
}

// Claims returns the requested fields for a local account
func (p *Provider) Claims(_ context.Context, username string, fields []string) (map[string]any, error) {
	for _, field := range fields {
		if !providers.SupportsField(field) {
			return nil, fmt.Errorf("%w: %s", providers.ErrUnknownClaimField, field)
		}
	}

	u, err := p.lookup.User(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", providers.ErrUnknownUser, username, err)
	}
	gids, err := p.lookup.GroupIDs(u)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for %s: %w", username, err)
	}

	result := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case providers.ClaimPosix:
			info, err := posixInfo(u, gids)
			if err != nil {
				return nil, err
			}
			result[field] = info
		case providers.ClaimRoles:
			roles := make([]string, 0, len(gids))
			seen := map[string]bool{u.Gid: true}
			for _, gid := range gids {
				if seen[gid] {
					continue
				}
				seen[gid] = true
				g, err := p.lookup.Group(gid)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve group %s: %w", gid, err)
				}
				roles = append(roles, g.Name)
			}
			result[field] = roles
		}
	}
	return result, nil
}

func posixInfo(u *user.User, gids []string) (providers.PosixInfo, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return providers.PosixInfo{}, fmt.Errorf("non-numeric uid %q", u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return providers.PosixInfo{}, fmt.Errorf("non-numeric gid %q", u.Gid)
	}
	supplementary := make([]int, 0, len(gids))
	for _, s := range gids {
		n, err := strconv.Atoi(s)
		if err != nil {
			return providers.PosixInfo{}, fmt.Errorf("non-numeric gid %q", s)
		}
		supplementary = append(supplementary, n)
	}
	return providers.PosixInfo{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		Groups:   providers.NormalizeGroups(gid, supplementary),
	}, nil
}

// HealthCheck verifies that the user database is readable
func (p *Provider) HealthCheck(context.Context) error {
	if _, ok := p.lookup.(osLookup); !ok {
		return nil
	}
	if _, err := user.Current(); err != nil {
		return fmt.Errorf("user database unavailable: %w", err)
	}
	return nil
}
