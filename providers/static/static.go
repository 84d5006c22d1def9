// Package static implements an identity provider backed by a YAML document.
//
// The document lists users with a password (plaintext or bcrypt hash) and the
// claim fields disclosed for them:
//
//	users:
//	  alice:
//	    password: $2a$10$...
//	    posix:
//	      username: alice
//	      uid: 1000
//	      gid: 1000
//	      groups: [1000, 27]
//	    roles: [users, sudo]
package static

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/ptero-auth/providers"
)

// User is a single entry of the document.
type User struct {
	Password string               `yaml:"password"`
	Posix    *providers.PosixInfo `yaml:"posix,omitempty"`
	Roles    []string             `yaml:"roles,omitempty"`
}

// Document is the on-disk format.
type Document struct {
	Users map[string]User `yaml:"users"`
}

// Provider serves users from a Document.
type Provider struct {
	users map[string]User
}

var _ providers.IdentityProvider = (*Provider)(nil)

// New creates a provider from an in-memory document.
func New(doc Document) *Provider {
	users := make(map[string]User, len(doc.Users))
	for name, u := range doc.Users {
		users[name] = u
	}
	return &Provider{users: users}
}

// Load reads and parses a YAML document from path.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML document.
func Parse(data []byte) (*Provider, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	for name, u := range doc.Users {
		if u.Posix != nil && u.Posix.Username == "" {
			u.Posix.Username = name
		}
	}
	return New(doc), nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "static"
}

// Authenticate checks the password against the stored value.
// Values starting with "$2" are treated as bcrypt hashes.
func (p *Provider) Authenticate(_ context.Context, username, password string) error {
	u, ok := p.users[username]
	if !ok || u.Password == "" {
		return providers.ErrInvalidCredentials
	}
	if strings.HasPrefix(u.Password, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
			return providers.ErrInvalidCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return providers.ErrInvalidCredentials
	}
	return nil
}

// Claims returns the requested fields for username
func (p *Provider) Claims(_ context.Context, username string, fields []string) (map[string]any, error) {
	u, ok := p.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrUnknownUser, username)
	}

	result := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case providers.ClaimPosix:
			if u.Posix == nil {
				return nil, fmt.Errorf("no posix data for user %s", username)
			}
			result[field] = *u.Posix
		case providers.ClaimRoles:
			roles := u.Roles
			if roles == nil {
				roles = []string{}
			}
			result[field] = roles
		default:
			return nil, fmt.Errorf("%w: %s", providers.ErrUnknownClaimField, field)
		}
	}
	return result, nil
}

// HealthCheck always succeeds
func (p *Provider) HealthCheck(context.Context) error {
	return nil
}
