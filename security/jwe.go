package security

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// JWE defaults for ID token encryption.
const (
	DefaultKeyAlgorithm      = string(jose.RSA_OAEP_256)
	DefaultContentEncryption = string(jose.A128CBC_HS256)
)

// ErrUnsupportedAlgorithm is returned for JWE algorithms outside the allowlist
var ErrUnsupportedAlgorithm = errors.New("unsupported JWE algorithm")

var allowedKeyAlgorithms = map[jose.KeyAlgorithm]bool{
	jose.RSA_OAEP_256: true,
	jose.RSA_OAEP:     true,
	jose.RSA1_5:       true,
}

var allowedContentEncryption = map[jose.ContentEncryption]bool{
	jose.A128CBC_HS256: true,
	jose.A256CBC_HS512: true,
	jose.A128GCM:       true,
	jose.A256GCM:       true,
}

// KeyAlgorithms lists the accepted JWE key management algorithms
func KeyAlgorithms() []jose.KeyAlgorithm {
	return []jose.KeyAlgorithm{jose.RSA_OAEP_256, jose.RSA_OAEP, jose.RSA1_5}
}

// ContentEncryptions lists the accepted JWE content encryption algorithms
func ContentEncryptions() []jose.ContentEncryption {
	return []jose.ContentEncryption{jose.A128CBC_HS256, jose.A256CBC_HS512, jose.A128GCM, jose.A256GCM}
}

// JWEEncrypter wraps signed tokens for a single recipient key.
type JWEEncrypter struct {
	encrypter jose.Encrypter
	keyID     string
}

// NormalizeJWEAlgorithms applies defaults and checks alg and enc against the allowlist.
func NormalizeJWEAlgorithms(alg, enc string) (string, string, error) {
	if alg == "" {
		alg = DefaultKeyAlgorithm
	}
	if enc == "" {
		enc = DefaultContentEncryption
	}
	if !allowedKeyAlgorithms[jose.KeyAlgorithm(alg)] {
		return "", "", fmt.Errorf("%w: alg %q", ErrUnsupportedAlgorithm, alg)
	}
	if !allowedContentEncryption[jose.ContentEncryption(enc)] {
		return "", "", fmt.Errorf("%w: enc %q", ErrUnsupportedAlgorithm, enc)
	}
	return alg, enc, nil
}

// NewJWEEncrypter creates an encrypter for a PEM encoded RSA public key.
func NewJWEEncrypter(publicKeyPEM, keyID, alg, enc string) (*JWEEncrypter, error) {
	pub, err := ParseRSAPublicKey([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}
	return NewJWEEncrypterForKey(pub, keyID, alg, enc)
}

// NewJWEEncrypterForKey creates an encrypter for pub.
func NewJWEEncrypterForKey(pub *rsa.PublicKey, keyID, alg, enc string) (*JWEEncrypter, error) {
	alg, enc, err := NormalizeJWEAlgorithms(alg, enc)
	if err != nil {
		return nil, err
	}

	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{Algorithm: jose.KeyAlgorithm(alg), Key: pub, KeyID: keyID},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}
	return &JWEEncrypter{encrypter: encrypter, keyID: keyID}, nil
}

// Encrypt wraps a compact JWS as a compact JWE.
func (e *JWEEncrypter) Encrypt(jws string) (string, error) {
	obj, err := e.encrypter.Encrypt([]byte(jws))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

// DecryptJWE opens a compact JWE with key. It is the inverse of Encrypt and is
// used by audience clients and tests.
func DecryptJWE(token string, key *rsa.PrivateKey) (string, error) {
	obj, err := jose.ParseEncrypted(token, KeyAlgorithms(), ContentEncryptions())
	if err != nil {
		return "", fmt.Errorf("failed to parse JWE: %w", err)
	}
	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt JWE: %w", err)
	}
	return string(plaintext), nil
}
