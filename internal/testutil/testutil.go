package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/ptero-auth/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// GenerateRandomString generates a random URL-safe string of n bytes of entropy
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// TestSecret is the plaintext secret of every client built by NewConfidentialClient.
const TestSecret = "s3cret-for-tests"

var (
	secretHashOnce sync.Once
	secretHash     string
)

// TestSecretHash returns a bcrypt hash of TestSecret, computed once per test binary.
func TestSecretHash() string {
	secretHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(TestSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash test secret: %v", err))
		}
		secretHash = string(h)
	})
	return secretHash
}

// ClientOption customizes a client built by NewConfidentialClient.
type ClientOption func(*storage.Client)

// WithAllowedScopes sets the allowed scope set.
func WithAllowedScopes(scopes ...string) ClientOption {
	return func(c *storage.Client) { c.AllowedScopes = scopes }
}

// WithDefaultScopes sets the default scope set.
func WithDefaultScopes(scopes ...string) ClientOption {
	return func(c *storage.Client) { c.DefaultScopes = scopes }
}

// WithAudienceFor sets the scopes this client is the audience for.
func WithAudienceFor(scopes ...string) ClientOption {
	return func(c *storage.Client) { c.AudienceFor = scopes }
}

// WithAudienceClaims sets the claim fields disclosed to this client.
func WithAudienceClaims(fields ...string) ClientOption {
	return func(c *storage.Client) { c.AudienceClaims = fields }
}

// WithRedirect sets the redirect URI pattern and default redirect URI.
func WithRedirect(pattern, defaultURI string) ClientOption {
	return func(c *storage.Client) {
		c.Confidential.RedirectURIRegex = pattern
		c.Confidential.DefaultRedirectURI = defaultURI
	}
}

// WithPublicKey attaches an encryption key.
func WithPublicKey(key *storage.EncryptionKey) ClientOption {
	return func(c *storage.Client) { c.PublicKey = key }
}

// NewConfidentialClient builds an active Confidential client whose secret is TestSecret.
// By default it accepts any redirect under https://<id>.example.com/ and allows
// the openid scope.
func NewConfidentialClient(id string, opts ...ClientOption) *storage.Client {
	c := &storage.Client{
		Kind:          storage.ClientKindConfidential,
		ClientID:      id,
		Name:          id,
		Active:        true,
		CreatedBy:     "admin",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		AllowedScopes: []string{"openid"},
		Confidential: &storage.ConfidentialClient{
			SecretHash:         TestSecretHash(),
			RedirectURIRegex:   fmt.Sprintf(`^https://%s\.example\.com/.*$`, id),
			DefaultRedirectURI: fmt.Sprintf("https://%s.example.com/callback", id),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAuthorizationCodeGrant builds an active authorization code grant.
func NewAuthorizationCodeGrant(id, code, clientID, userName, redirectURI string, expiresAt time.Time, scopes ...string) *storage.Grant {
	return &storage.Grant{
		ID:          id,
		Kind:        storage.GrantKindAuthorizationCode,
		ClientID:    clientID,
		UserName:    userName,
		Scopes:      scopes,
		CreatedAt:   expiresAt.Add(-10 * time.Minute),
		Code:        code,
		RedirectURI: redirectURI,
		Active:      true,
		ExpiresAt:   expiresAt,
	}
}

var (
	rsaKeyOnce sync.Once
	rsaKeys    []*rsa.PrivateKey
)

// RSAKey returns one of a small pool of 2048-bit RSA keys generated once per
// test binary. Index selects the key; indexes wrap around.
func RSAKey(t testing.TB, index int) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		for range 3 {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(fmt.Sprintf("failed to generate RSA key: %v", err))
			}
			rsaKeys = append(rsaKeys, key)
		}
	})
	return rsaKeys[index%len(rsaKeys)]
}

// PublicKeyPEM encodes the public half of key as a PKIX PEM block.
func PublicKeyPEM(t testing.TB, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// PrivateKeyPEM encodes key as a PKCS#1 PEM block.
func PrivateKeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}
