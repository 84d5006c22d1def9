// Package ldap implements an identity provider backed by an LDAP directory.
//
// Users authenticate with a simple bind as their own DN. Claims are built
// from posixAccount and posixGroup entries.
package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	ldapgo "github.com/go-ldap/ldap/v3"

	"github.com/giantswarm/ptero-auth/providers"
)

const (
	// DefaultUserFilter locates a posix account by login name
	DefaultUserFilter = "(&(objectClass=posixAccount)(uid=%s))"

	// DefaultGroupFilter locates the posix groups a login name belongs to
	DefaultGroupFilter = "(&(objectClass=posixGroup)(memberUid=%s))"

	// DefaultMaxRetries is the number of dial attempts per operation
	DefaultMaxRetries = 3
)

// Config configures the LDAP provider
type Config struct {
	// URL of the directory, e.g. ldaps://ldap.example.com:636
	URL string

	// BindDN and BindPassword are the service credentials used for searches.
	// Empty BindDN searches anonymously.
	BindDN       string
	BindPassword string

	// BaseDN is the search root
	BaseDN string

	// UserFilter and GroupFilter are fmt templates receiving the escaped login name
	// Default: DefaultUserFilter, DefaultGroupFilter
	UserFilter  string
	GroupFilter string

	// Insecure skips TLS certificate verification
	Insecure bool

	// MaxRetries bounds dial attempts
	// Default: 3
	MaxRetries int
}

// session is the subset of *ldapgo.Conn the provider uses.
type session interface {
	Bind(username, password string) error
	Search(req *ldapgo.SearchRequest) (*ldapgo.SearchResult, error)
	Close()
}

type conn struct {
	c *ldapgo.Conn
}

func (c conn) Bind(username, password string) error { return c.c.Bind(username, password) }
func (c conn) Search(req *ldapgo.SearchRequest) (*ldapgo.SearchResult, error) {
	return c.c.Search(req)
}
func (c conn) Close() { c.c.Close() }

// Provider authenticates against and reads claims from an LDAP directory.
type Provider struct {
	config Config
	dial   func(ctx context.Context) (session, error)
}

var _ providers.IdentityProvider = (*Provider)(nil)

// New creates an LDAP provider. No connection is made until first use.
func New(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ldap url is required")
	}
	if cfg.BaseDN == "" {
		return nil, fmt.Errorf("ldap base dn is required")
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = DefaultUserFilter
	}
	if cfg.GroupFilter == "" {
		cfg.GroupFilter = DefaultGroupFilter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	p := &Provider{config: cfg}
	p.dial = func(context.Context) (session, error) {
		c, err := ldapgo.DialURL(cfg.URL, ldapgo.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.Insecure, //nolint:gosec // operator opt-in
			MinVersion:         tls.VersionTLS12,
		}))
		if err != nil {
			return nil, err
		}
		return conn{c: c}, nil
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "ldap"
}

func (p *Provider) connect(ctx context.Context) (session, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.RandomizationFactor = 0.1
	exp.Multiplier = 1.5

	operation := func() (session, error) {
		s, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		if p.config.BindDN != "" {
			if err := s.Bind(p.config.BindDN, p.config.BindPassword); err != nil {
				s.Close()
				return nil, backoff.Permanent(fmt.Errorf("service bind failed: %w", err))
			}
		}
		return s, nil
	}

	s, err := backoff.Retry(ctx, operation, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(p.config.MaxRetries)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	return s, nil
}

func (p *Provider) findUser(s session, username string, attributes []string) (*ldapgo.Entry, error) {
	req := ldapgo.NewSearchRequest(
		p.config.BaseDN,
		ldapgo.ScopeWholeSubtree, ldapgo.NeverDerefAliases, 2, 0, false,
		fmt.Sprintf(p.config.UserFilter, ldapgo.EscapeFilter(username)),
		attributes,
		nil,
	)
	res, err := s.Search(req)
	if err != nil {
		return nil, fmt.Errorf("user search failed: %w", err)
	}
	if len(res.Entries) != 1 {
		return nil, fmt.Errorf("%w: %d entries for %s", providers.ErrUnknownUser, len(res.Entries), username)
	}
	return res.Entries[0], nil
}

// Authenticate binds as the user's DN with the supplied password
func (p *Provider) Authenticate(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		// An empty password would be an unauthenticated bind.
		return providers.ErrInvalidCredentials
	}

	s, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	entry, err := p.findUser(s, username, []string{"dn"})
	if errors.Is(err, providers.ErrUnknownUser) {
		return providers.ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	if err := s.Bind(entry.DN, password); err != nil {
		if ldapgo.IsErrorWithCode(err, ldapgo.LDAPResultInvalidCredentials) {
			return providers.ErrInvalidCredentials
		}
		return fmt.Errorf("user bind failed: %w", err)
	}
	return nil
}

// Claims returns the requested fields for username
func (p *Provider) Claims(ctx context.Context, username string, fields []string) (map[string]any, error) {
	for _, field := range fields {
		if !providers.SupportsField(field) {
			return nil, fmt.Errorf("%w: %s", providers.ErrUnknownClaimField, field)
		}
	}
	if len(fields) == 0 {
		return map[string]any{}, nil
	}

	s, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	userEntry, err := p.findUser(s, username, []string{"uid", "uidNumber", "gidNumber"})
	if err != nil {
		return nil, err
	}

	req := ldapgo.NewSearchRequest(
		p.config.BaseDN,
		ldapgo.ScopeWholeSubtree, ldapgo.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf(p.config.GroupFilter, ldapgo.EscapeFilter(username)),
		[]string{"cn", "gidNumber"},
		nil,
	)
	groups, err := s.Search(req)
	if err != nil {
		return nil, fmt.Errorf("group search failed: %w", err)
	}

	return claimsFromEntries(username, userEntry, groups.Entries, fields)
}

func claimsFromEntries(username string, userEntry *ldapgo.Entry, groups []*ldapgo.Entry, fields []string) (map[string]any, error) {
	uid, err := strconv.Atoi(userEntry.GetAttributeValue("uidNumber"))
	if err != nil {
		return nil, fmt.Errorf("invalid uidNumber for %s", username)
	}
	gid, err := strconv.Atoi(userEntry.GetAttributeValue("gidNumber"))
	if err != nil {
		return nil, fmt.Errorf("invalid gidNumber for %s", username)
	}

	var gids []int
	var roles []string
	for _, g := range groups {
		n, err := strconv.Atoi(g.GetAttributeValue("gidNumber"))
		if err != nil {
			continue
		}
		gids = append(gids, n)
		if n != gid {
			roles = append(roles, g.GetAttributeValue("cn"))
		}
	}
	if roles == nil {
		roles = []string{}
	}

	name := userEntry.GetAttributeValue("uid")
	if name == "" {
		name = username
	}

	result := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case providers.ClaimPosix:
			result[field] = providers.PosixInfo{
				Username: name,
				UID:      uid,
				GID:      gid,
				Groups:   providers.NormalizeGroups(gid, gids),
			}
		case providers.ClaimRoles:
			result[field] = roles
		}
	}
	return result, nil
}

// HealthCheck dials and binds with the service credentials
func (p *Provider) HealthCheck(ctx context.Context) error {
	s, err := p.connect(ctx)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}
