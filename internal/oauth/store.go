package oauth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authorization server.
type Store interface {
	Users(ctx context.Context) UserStore
	Clients(ctx context.Context) ClientStore
	AuthCodes(ctx context.Context) AuthCodeStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// UserStore manages resource owner records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
}

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, id string) (*Client, error)
}

// AuthCodeStore manages the one-time authorization code lifecycle.
type AuthCodeStore interface {
	Create(ctx context.Context, code *AuthorizationCode) error
	Find(ctx context.Context, code string) (*AuthorizationCode, error)
	// Consume atomically flips used=false to used=true for the given code.
	// It must fail for an already-consumed code so that two concurrent
	// exchanges of the same code cannot both succeed.
	Consume(ctx context.Context, code string) error
	Delete(ctx context.Context, code string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenStore manages rotating refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Revoke conditionally flips revoked=false to revoked=true and reports
	// whether this call performed the flip. At most one concurrent caller
	// observes true for a given token.
	Revoke(ctx context.Context, id string) (bool, error)
	// RevokeAllForUserClient invalidates every active token in a rotation
	// chain; used when refresh token reuse is detected.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
