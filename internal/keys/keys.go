// Package keys owns the process signing key pair. The private key never
// leaves this package; the public half is exposed as a JWK so relying
// parties can verify tokens independently.
package keys

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// SigningAlg is the only JWS algorithm this service issues or accepts.
const SigningAlg = "RS256"

var (
	// ErrInvalidSignature indicates the token signature did not verify.
	ErrInvalidSignature = errors.New("keys: invalid signature")
	// ErrExpired indicates the token is past its expiry.
	ErrExpired = errors.New("keys: token expired")
	// ErrIssuerMismatch indicates an unexpected iss claim.
	ErrIssuerMismatch = errors.New("keys: issuer mismatch")
	// ErrAudienceMismatch indicates an unexpected aud claim.
	ErrAudienceMismatch = errors.New("keys: audience mismatch")
)

// Manager holds the RSA key pair for the process lifetime. It is immutable
// after construction and safe for concurrent use.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// NewFromFiles reads PEM-encoded key files and constructs a Manager. Any
// missing or malformed key is a hard error; callers treat it as fatal.
func NewFromFiles(privatePath, publicPath string) (*Manager, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("keys: read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("keys: read public key: %w", err)
	}
	return New(privPEM, pubPEM)
}

// New parses a PKCS8 private key and SPKI public key from PEM bytes.
func New(privatePEM, publicPEM []byte) (*Manager, error) {
	priv, err := parsePrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	pub, err := parsePublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("keys: parse public key: %w", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return nil, errors.New("keys: public key does not match private key")
	}
	kid, err := keyID(pub)
	if err != nil {
		return nil, err
	}
	return &Manager{privateKey: priv, publicKey: pub, kid: kid}, nil
}

// KeyID returns the stable identifier embedded in token headers and the JWK.
func (m *Manager) KeyID() string { return m.kid }

// Sign produces a compact JWS over the given claims with an RS256 header
// carrying the manager's kid.
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("keys: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses the token into claims, enforcing RS256, the kid, the issuer
// and the audience. An empty audience skips the aud check; callers decide
// whether their identity is pinned. Failures map onto the sentinel errors.
func (m *Manager) Verify(token, issuer, audience string, claims jwt.Claims) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{SigningAlg}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	_, err := jwt.ParseWithClaims(token, claims, m.keyfunc, opts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	default:
		return ErrInvalidSignature
	}
}

func (m *Manager) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid != m.kid {
		return nil, fmt.Errorf("keys: unknown kid %q", kid)
	}
	return m.publicKey, nil
}

// PublicJWK returns the public key as a JWK with kid, use=sig and alg=RS256.
// It never contains private key material.
func (m *Manager) PublicJWK() (jwk.Key, error) {
	key, err := jwk.Import(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("keys: build jwk: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, m.kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, SigningAlg); err != nil {
		return nil, err
	}
	return key, nil
}

// JWKS returns the marshalled JSON Web Key Set for discovery exposure.
func (m *Manager) JWKS() ([]byte, error) {
	key, err := m.PublicJWK()
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("keys: build jwks: %w", err)
	}
	return json.Marshal(set)
}

// keyID derives a stable identifier from the SPKI encoding of the public key.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keys: derive kid: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16], nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parsePublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

// EncodePrivatePEM serializes a private key as PKCS8 PEM. Used by the keygen
// tool and tests.
func EncodePrivatePEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicPEM serializes a public key as SPKI PEM.
func EncodePublicPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
