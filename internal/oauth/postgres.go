package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"idgate.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Clients(context.Context) ClientStore             { return &clientStore{db: s.db} }
func (s *PGStore) AuthCodes(context.Context) AuthCodeStore         { return &authCodeStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &refreshTokenStore{db: s.db} }

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, password_hash, name, email, status) values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Username, u.PasswordHash, u.Name, u.Email, u.Status,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select id, username, password_hash, name, email, status, created_at, updated_at from users where id=$1`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select id, username, password_hash, name, email, status, created_at, updated_at from users where username=$1`, username))
}

func (s *userStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Email, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Client store --------------------------------------------------------------
type clientStore struct{ db *sql.DB }

func (s *clientStore) Create(ctx context.Context, c *Client) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	redirects, _ := json.Marshal(c.RedirectURIs)
	grants, _ := json.Marshal(c.GrantTypes)
	scopes, _ := json.Marshal(c.Scopes)
	_, err := s.db.ExecContext(ctx,
		`insert into oauth_clients(id, name, redirect_uris, client_type, grant_types, scopes, status)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Name, redirects, c.Type, grants, scopes, c.Status,
	)
	return err
}

func (s *clientStore) Find(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, redirect_uris, client_type, grant_types, scopes, status, created_at, updated_at
		 from oauth_clients where id=$1`, id)
	var (
		c         Client
		redirects []byte
		grants    []byte
		scopes    []byte
	)
	err := row.Scan(&c.ID, &c.Name, &redirects, &c.Type, &grants, &scopes, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(redirects, &c.RedirectURIs)
	_ = json.Unmarshal(grants, &c.GrantTypes)
	_ = json.Unmarshal(scopes, &c.Scopes)
	return &c, nil
}

// Authorization code store ---------------------------------------------------
type authCodeStore struct{ db *sql.DB }

func (s *authCodeStore) Create(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`insert into auth_codes(code, client_id, user_id, redirect_uri, scope, code_challenge, expires_at, used)
		 values($1,$2,$3,$4,$5,$6,$7,false)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope, code.CodeChallenge, code.ExpiresAt,
	)
	return err
}

func (s *authCodeStore) Find(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`select code, client_id, user_id, redirect_uri, scope, code_challenge, expires_at, used, created_at
		 from auth_codes where code=$1`, code)
	var c AuthorizationCode
	err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.CodeChallenge, &c.ExpiresAt, &c.Used, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Consume relies on the conditional update's row count so two concurrent
// exchanges of the same code resolve to exactly one winner.
func (s *authCodeStore) Consume(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		`update auth_codes set used=true where code=$1 and used=false`, code)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidGrant.WithDescription("authorization code already used")
	}
	return nil
}

func (s *authCodeStore) Delete(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `delete from auth_codes where code=$1`, code)
	return err
}

func (s *authCodeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_codes where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Refresh token store --------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, client_id, token_hash, scope, expires_at, revoked)
		 values($1,$2,$3,$4,$5,$6,false)`,
		tok.ID, tok.UserID, tok.ClientID, tok.TokenHash, tok.Scope, tok.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, client_id, token_hash, scope, expires_at, revoked, created_at
		 from refresh_tokens where id=$1`, id)
	var tok RefreshToken
	err := row.Scan(&tok.ID, &tok.UserID, &tok.ClientID, &tok.TokenHash, &tok.Scope, &tok.ExpiresAt, &tok.Revoked, &tok.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *refreshTokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and revoked=false`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *refreshTokenStore) RevokeAllForUserClient(ctx context.Context, userID, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and client_id=$2 and revoked=false`,
		userID, clientID)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
