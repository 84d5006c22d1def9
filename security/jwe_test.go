package security

import (
	"errors"
	"testing"

	"github.com/giantswarm/ptero-auth/internal/testutil"
)

func TestNormalizeJWEAlgorithms(t *testing.T) {
	tests := []struct {
		name    string
		alg     string
		enc     string
		wantAlg string
		wantEnc string
		wantErr bool
	}{
		{name: "defaults", wantAlg: "RSA-OAEP-256", wantEnc: "A128CBC-HS256"},
		{name: "legacy rsa1_5", alg: "RSA1_5", enc: "A128CBC-HS256", wantAlg: "RSA1_5", wantEnc: "A128CBC-HS256"},
		{name: "gcm", alg: "RSA-OAEP", enc: "A256GCM", wantAlg: "RSA-OAEP", wantEnc: "A256GCM"},
		{name: "symmetric alg rejected", alg: "dir", wantErr: true},
		{name: "unknown enc rejected", enc: "A192KW", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, enc, err := NormalizeJWEAlgorithms(tt.alg, tt.enc)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedAlgorithm) {
					t.Errorf("NormalizeJWEAlgorithms() error = %v, want ErrUnsupportedAlgorithm", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeJWEAlgorithms() error = %v", err)
			}
			if alg != tt.wantAlg || enc != tt.wantEnc {
				t.Errorf("NormalizeJWEAlgorithms() = %q, %q", alg, enc)
			}
		})
	}
}

func TestJWEEncrypter_RoundTrip(t *testing.T) {
	key := testutil.RSAKey(t, 0)
	publicPEM := testutil.PublicKeyPEM(t, key)

	for _, alg := range []string{"RSA-OAEP-256", "RSA1_5"} {
		t.Run(alg, func(t *testing.T) {
			enc, err := NewJWEEncrypter(publicPEM, "aud-key", alg, "")
			if err != nil {
				t.Fatalf("NewJWEEncrypter() error = %v", err)
			}
			jwe, err := enc.Encrypt("header.payload.signature")
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := DecryptJWE(jwe, key)
			if err != nil {
				t.Fatalf("DecryptJWE() error = %v", err)
			}
			if got != "header.payload.signature" {
				t.Errorf("DecryptJWE() = %q", got)
			}
		})
	}
}

func TestJWEEncrypter_WrongKey(t *testing.T) {
	enc, err := NewJWEEncrypter(testutil.PublicKeyPEM(t, testutil.RSAKey(t, 0)), "k", "", "")
	if err != nil {
		t.Fatalf("NewJWEEncrypter() error = %v", err)
	}
	jwe, err := enc.Encrypt("a.b.c")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := DecryptJWE(jwe, testutil.RSAKey(t, 1)); err == nil {
		t.Error("DecryptJWE() with the wrong key should fail")
	}
}

func TestNewJWEEncrypter_InvalidPEM(t *testing.T) {
	if _, err := NewJWEEncrypter("garbage", "k", "", ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewJWEEncrypter() error = %v, want ErrInvalidKey", err)
	}
}
