package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM, err := EncodePrivatePEM(key)
	if err != nil {
		t.Fatalf("encode private pem: %v", err)
	}
	pubPEM, err := EncodePublicPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode public pem: %v", err)
	}
	m, err := New(privPEM, pubPEM)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "http://issuer.test",
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"spa"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token, err := m.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var parsed jwt.RegisteredClaims
	if err := m.Verify(token, "http://issuer.test", "spa", &parsed); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if parsed.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", parsed.Subject)
	}
}

func TestVerifyClassifiesFailures(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	sign := func(iss, aud string, exp time.Time) string {
		t.Helper()
		token, err := m.Sign(jwt.RegisteredClaims{
			Issuer:    iss,
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return token
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", sign("iss", "aud", now.Add(-time.Minute)), ErrExpired},
		{"issuer mismatch", sign("other", "aud", now.Add(time.Minute)), ErrIssuerMismatch},
		{"audience mismatch", sign("iss", "other", now.Add(time.Minute)), ErrAudienceMismatch},
		{"garbage", "not.a.token", ErrInvalidSignature},
	}
	for _, tc := range cases {
		var claims jwt.RegisteredClaims
		err := m.Verify(tc.token, "iss", "aud", &claims)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	m1 := newTestManager(t)
	m2 := newTestManager(t)

	token, err := m1.Sign(jwt.RegisteredClaims{
		Issuer:    "iss",
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"aud"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var claims jwt.RegisteredClaims
	if err := m2.Verify(token, "iss", "aud", &claims); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestPublicJWKShape(t *testing.T) {
	m := newTestManager(t)
	jwksBytes, err := m.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
			D   string `json:"d"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(jwksBytes, &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected one key, got %d", len(jwks.Keys))
	}
	k := jwks.Keys[0]
	if k.Kty != "RSA" || k.Use != "sig" || k.Alg != "RS256" {
		t.Fatalf("unexpected key attributes: %+v", k)
	}
	if k.Kid != m.KeyID() {
		t.Fatalf("kid %q does not match manager %q", k.Kid, m.KeyID())
	}
	if k.N == "" || k.E == "" {
		t.Fatal("expected modulus and exponent")
	}
	if k.D != "" {
		t.Fatal("private material leaked into JWK")
	}
}

func TestNewRejectsMismatchedPair(t *testing.T) {
	k1, _ := rsa.GenerateKey(rand.Reader, 2048)
	k2, _ := rsa.GenerateKey(rand.Reader, 2048)
	privPEM, _ := EncodePrivatePEM(k1)
	pubPEM, _ := EncodePublicPEM(&k2.PublicKey)
	if _, err := New(privPEM, pubPEM); err == nil {
		t.Fatal("expected mismatched key pair to be rejected")
	}
}
