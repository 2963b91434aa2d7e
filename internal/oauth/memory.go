package oauth

import (
	"context"
	"sync"
	"time"

	"idgate.io/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and DSN-less development
// runs. All lifecycle transitions happen under one mutex, which gives the
// same single-winner semantics the Postgres store gets from conditional
// updates.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]User
	byName  map[string]string
	clients map[string]Client
	codes   map[string]AuthorizationCode
	refresh map[string]RefreshToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		byName:  make(map[string]string),
		clients: make(map[string]Client),
		codes:   make(map[string]AuthorizationCode),
		refresh: make(map[string]RefreshToken),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore                 { return (*memUsers)(s) }
func (s *MemoryStore) Clients(context.Context) ClientStore             { return (*memClients)(s) }
func (s *MemoryStore) AuthCodes(context.Context) AuthCodeStore         { return (*memCodes)(s) }
func (s *MemoryStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(s) }

type memUsers MemoryStore

func (s *memUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = *u
	s.byName[u.Username] = u.ID
	return nil
}

func (s *memUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

type memClients MemoryStore

func (s *memClients) Create(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	s.clients[c.ID] = *c
	return nil
}

func (s *memClients) Find(_ context.Context, id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

type memCodes MemoryStore

func (s *memCodes) Create(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	s.codes[code.Code] = *code
	return nil
}

func (s *memCodes) Find(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *memCodes) Consume(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Used {
		return ErrInvalidGrant.WithDescription("authorization code already used")
	}
	c.Used = true
	s.codes[code] = c
	return nil
}

func (s *memCodes) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

func (s *memCodes) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, c := range s.codes {
		if now.After(c.ExpiresAt) {
			delete(s.codes, code)
			n++
		}
	}
	return n, nil
}

type memRefresh MemoryStore

func (s *memRefresh) Create(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	s.refresh[tok.ID] = *tok
	return nil
}

func (s *memRefresh) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (s *memRefresh) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok || tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	s.refresh[id] = tok
	return true, nil
}

func (s *memRefresh) RevokeAllForUserClient(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.refresh {
		if tok.UserID == userID && tok.ClientID == clientID && !tok.Revoked {
			tok.Revoked = true
			s.refresh[id] = tok
		}
	}
	return nil
}

func (s *memRefresh) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.refresh {
		if now.After(tok.ExpiresAt) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}
