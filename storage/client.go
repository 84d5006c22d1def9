package storage

import (
	"slices"
	"time"
)

// ClientKind tags the Client variant.
type ClientKind int

const (
	// ClientKindConfidential is a registered client holding a secret and a
	// redirect URI pattern. It may act as the audience for scopes.
	ClientKindConfidential ClientKind = iota + 1

	// ClientKindPublic is an unregistered agent (e.g. a browser application)
	// acting on behalf of exactly one Confidential audience client.
	ClientKindPublic
)

// String returns the wire name of the client kind.
func (k ClientKind) String() string {
	switch k {
	case ClientKindConfidential:
		return "confidential"
	case ClientKindPublic:
		return "public"
	default:
		return "unknown"
	}
}

// Claim field names an audience client may ask to have disclosed.
const (
	ClaimPosix = "posix"
	ClaimRoles = "roles"
)

// Client is a tagged union over ClientKind. Confidential is non-nil exactly
// when Kind is ClientKindConfidential.
type Client struct {
	Kind     ClientKind
	ClientID string
	Name     string
	Active   bool

	CreatedBy     string
	CreatedAt     time.Time
	DeactivatedBy string
	DeactivatedAt time.Time

	// AllowedScopes and DefaultScopes are sorted sets.
	AllowedScopes []string
	DefaultScopes []string

	// AudienceFor lists the scopes for which this client is the resource audience.
	AudienceFor []string

	// AudienceClaims lists claim field names disclosed to this client when it
	// is an audience of an ID token.
	AudienceClaims []string

	// PublicKey is the key ID tokens are encrypted with when a public client
	// obtains a token for this audience. Optional.
	PublicKey *EncryptionKey

	Confidential *ConfidentialClient
}

// ConfidentialClient is the payload specific to ClientKindConfidential.
type ConfidentialClient struct {
	SecretHash         string // bcrypt hash
	RedirectURIRegex   string
	DefaultRedirectURI string
}

// EncryptionKey is a registered RSA public key used for ID token encryption.
type EncryptionKey struct {
	KeyID      string
	PEM        string
	Algorithm  string // JWE key management algorithm, e.g. RSA-OAEP-256
	Encryption string // JWE content encryption, e.g. A128CBC-HS256
}

// IsConfidential reports whether c is a Confidential client.
func (c *Client) IsConfidential() bool {
	return c.Kind == ClientKindConfidential && c.Confidential != nil
}

// Clone returns a deep copy of c so that stores never hand out shared slices.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	out.DefaultScopes = slices.Clone(c.DefaultScopes)
	out.AudienceFor = slices.Clone(c.AudienceFor)
	out.AudienceClaims = slices.Clone(c.AudienceClaims)
	if c.PublicKey != nil {
		key := *c.PublicKey
		out.PublicKey = &key
	}
	if c.Confidential != nil {
		conf := *c.Confidential
		out.Confidential = &conf
	}
	return &out
}

// Scope is a catalog entry. AudienceClientID is empty when no client claims it.
type Scope struct {
	Value            string
	AudienceClientID string
}
