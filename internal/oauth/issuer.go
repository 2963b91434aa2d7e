package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"idgate.io/internal/ids"
)

// AccessClaims is the explicit claim set of an access token.
type AccessClaims struct {
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// IDClaims is the explicit claim set of an OpenID Connect ID token.
type IDClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// issueTokens builds and signs the access and ID tokens and persists a fresh
// refresh token record. The subject is always the stable user ID and the
// audience is always the requesting client's own identifier.
func (s *Service) issueTokens(ctx context.Context, user *User, clientID, scope string) (TokenSet, error) {
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)

	accessToken, err := s.keys.Sign(AccessClaims{
		Scope:     scope,
		ClientID:  clientID,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return TokenSet{}, err
	}

	idToken, err := s.keys.Sign(IDClaims{
		Name:  user.Name,
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.idTokenTTL)),
		},
	})
	if err != nil {
		return TokenSet{}, err
	}

	refreshValue, record, err := s.generateRefreshToken(user.ID, clientID, scope, now)
	if err != nil {
		return TokenSet{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, record); err != nil {
		return TokenSet{}, err
	}

	return TokenSet{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		IDToken:      idToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL / time.Second),
		Scope:        scope,
	}, nil
}

// generateRefreshToken mints the opaque "<id>.<secret>" value and the record
// persisting its sha256 hash. The raw secret is never stored.
func (s *Service) generateRefreshToken(userID, clientID, scope string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	record := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		ClientID:  clientID,
		TokenHash: hex.EncodeToString(sum[:]),
		Scope:     scope,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return record.ID + "." + secret, record, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secretMatches(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
