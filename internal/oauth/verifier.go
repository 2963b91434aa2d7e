package oauth

import (
	"errors"
	"strings"

	"idgate.io/internal/keys"
)

// Verifier validates presented access tokens on the resource side. It shares
// the key manager's public key with the issuance core but holds no storage.
type Verifier struct {
	keys   *keys.Manager
	issuer string
}

// NewVerifier constructs a Verifier pinned to the given issuer.
func NewVerifier(km *keys.Manager, issuer string) *Verifier {
	return &Verifier{keys: km, issuer: issuer}
}

// Verify checks the token signature, issuer, audience and expiry, then the
// required scope if one is given. An empty audience accepts tokens minted for
// any client; resource servers with a fixed identity should pin theirs.
// Scope failures surface as insufficient_scope (403) as opposed to the
// invalid_token (401) used for every other failure.
func (v *Verifier) Verify(token, audience, requiredScope string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken.WithDescription("missing bearer token")
	}
	var claims AccessClaims
	if err := v.keys.Verify(token, v.issuer, audience, &claims); err != nil {
		switch {
		case errors.Is(err, keys.ErrExpired):
			return nil, ErrInvalidToken.WithDescription("token expired")
		case errors.Is(err, keys.ErrIssuerMismatch):
			return nil, ErrInvalidToken.WithDescription("issuer mismatch")
		case errors.Is(err, keys.ErrAudienceMismatch):
			return nil, ErrInvalidToken.WithDescription("audience mismatch")
		default:
			return nil, ErrInvalidToken.WithDescription("signature verification failed")
		}
	}
	if claims.TokenType != "access" {
		return nil, ErrInvalidToken.WithDescription("not an access token")
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken.WithDescription("subject missing")
	}
	if requiredScope != "" && !HasScope(claims.Scope, requiredScope) {
		return nil, ErrInsufficientScope.WithDescription("scope %q is required", requiredScope)
	}
	return &claims, nil
}
