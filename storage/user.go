package storage

import "time"

// User is a resource owner known to the identity provider. Subject is the
// stable identifier published as the "sub" claim.
type User struct {
	Name      string
	Subject   string
	CreatedAt time.Time
}

// APIKey is a resource-owner credential accepted only at the authorization
// endpoint. Only the SHA-256 digest of the key is stored.
type APIKey struct {
	Digest     string
	UserName   string
	Active     bool
	CreatedAt  time.Time
	UsageCount int64
	LastUsed   time.Time
}
