package security

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// MinHMACSecretLength is the minimum HS256 secret length in bytes
const MinHMACSecretLength = 32

// Signer signs ID tokens as compact JWS with a fixed key and key id.
type Signer struct {
	method    jwt.SigningMethod
	key       any
	verifyKey any
	publicKey *rsa.PublicKey
	keyID     string
}

// NewRS256Signer creates a signer using RS256. The key id is the key fingerprint.
func NewRS256Signer(key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidKey)
	}
	if key.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", ErrInvalidKey, MinRSAKeyBits)
	}
	kid, err := KeyFingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{
		method:    jwt.SigningMethodRS256,
		key:       key,
		verifyKey: &key.PublicKey,
		publicKey: &key.PublicKey,
		keyID:     kid,
	}, nil
}

// NewHS256Signer creates a signer using HS256 with a shared secret.
// HS256 keys are never published in the JWKS.
func NewHS256Signer(secret []byte) (*Signer, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("%w: HMAC secret must be at least %d bytes", ErrInvalidKey, MinHMACSecretLength)
	}
	sum := sha256.Sum256(secret)
	return &Signer{
		method:    jwt.SigningMethodHS256,
		key:       secret,
		verifyKey: secret,
		keyID:     hex.EncodeToString(sum[:])[:8],
	}, nil
}

// Algorithm returns the JWS algorithm name
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}

// KeyID returns the kid header value
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign serializes claims as a compact JWS carrying the signer's kid.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a compact JWS produced by Sign into claims.
// Expiry is validated by the jwt library.
func (s *Signer) Verify(token string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append(opts, jwt.WithValidMethods([]string{s.method.Alg()}))
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return s.verifyKey, nil
	}, opts...)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// JWKS returns the public signing key set. It is empty for HS256.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	if s.publicKey == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.publicKey,
		KeyID:     s.keyID,
		Algorithm: s.method.Alg(),
		Use:       "sig",
	}}}
}

// AtHash computes the OIDC at_hash of an access token: the base64url
// encoding, without padding, of the left half of its SHA-256 digest.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
