package oauth

import "time"

// Grant types and related protocol constants.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"
	TokenTypeBearer  = "Bearer"

	// DefaultScope is granted when an authorize request omits scope.
	DefaultScope = "openid profile email"
)

// Client types. Public clients authenticate with PKCE only.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// User is a resource owner record. It is read-only during auth flows.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Name         string
	Email        string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client is a registered OAuth client. Immutable during flow processing.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	Type         string
	GrantTypes   []string
	Scopes       []string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AuthorizationCode is a short-lived, single-use artifact binding a client,
// a user, a redirect URI and a PKCE challenge.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	UserID        string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	ExpiresAt     time.Time
	Used          bool
	CreatedAt     time.Time
}

// RefreshToken is the persisted half of an opaque rotating credential. The
// external token value is "<ID>.<secret>"; only sha256(secret) is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	ClientID  string
	TokenHash string
	Scope     string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// TokenSet is a complete token endpoint response.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
	Scope        string
}
