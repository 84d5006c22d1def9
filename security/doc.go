// Package security provides the cryptographic and audit building blocks of the
// authorization server.
//
// # Signing
//
// Signer issues compact JWS ID tokens with golang-jwt using RS256 or HS256.
// The RS256 key id is the first 8 hex characters of the SHA-256 digest of the
// DER encoded public key, and JWKS exposes the public key for verification.
//
// # Encryption
//
// JWEEncrypter wraps a signed ID token for an audience client's registered
// RSA key using go-jose. Only the algorithms returned by KeyAlgorithms and
// ContentEncryptions are accepted.
//
// # Audit
//
// Auditor writes security events through slog, hashing user names so logs do
// not carry them in plaintext.
//
// # Expiry
//
// IsExpired implements the expiry rule shared by codes and tokens: a record
// is valid strictly before its expiry instant.
package security
