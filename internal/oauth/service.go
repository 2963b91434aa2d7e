// Package oauth implements the token issuance and validation engine: the
// authorization code lifecycle, PKCE enforcement, token signing and refresh
// token rotation. HTTP transport and persistence technology live elsewhere.
package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"idgate.io/internal/keys"
	"idgate.io/internal/pkce"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultIDTokenTTL = time.Hour
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultCodeTTL    = 5 * time.Minute
)

// Service provides the authorization code, token and refresh operations.
type Service struct {
	store Store
	keys  *keys.Manager
	now   func() time.Time

	issuer     string
	accessTTL  time.Duration
	idTokenTTL time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration

	onReuse func()
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer sets the iss claim and the issuer expected on verification.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("oauth: issuer must not be empty")
		}
		s.issuer = issuer
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithIDTokenTTL configures ID token lifetime.
func WithIDTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.idTokenTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithCodeTTL configures authorization code lifetime.
func WithCodeTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.codeTTL = ttl
		}
		return nil
	}
}

// WithReuseHook installs a callback fired when refresh token reuse is
// detected. The hook must be fast and must not block.
func WithReuseHook(fn func()) ServiceOption {
	return func(s *Service) error {
		s.onReuse = fn
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the authorization server core. The key manager and
// store are required collaborators.
func NewService(store Store, km *keys.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("oauth: store is required")
	}
	if km == nil {
		return nil, errors.New("oauth: key manager is required")
	}
	svc := &Service{
		store:      store,
		keys:       km,
		now:        time.Now,
		issuer:     "http://localhost:8080",
		accessTTL:  defaultAccessTTL,
		idTokenTTL: defaultIDTokenTTL,
		refreshTTL: defaultRefreshTTL,
		codeTTL:    defaultCodeTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Issuer returns the configured issuer URL.
func (s *Service) Issuer() string { return s.issuer }

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// AuthorizeRequest carries the validated parameters of a GET /authorize call.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizeRequest checks an incoming authorize request against the
// registered client and the PKCE requirements. It returns the client so the
// caller can render the login step.
func (s *Service) ValidateAuthorizeRequest(ctx context.Context, req AuthorizeRequest) (*Client, error) {
	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest.WithDescription("client_id and redirect_uri are required")
	}
	client, err := s.store.Clients(ctx).Find(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidClient.WithDescription("unknown client")
		}
		return nil, err
	}
	if client.Status != "active" {
		return nil, ErrInvalidClient.WithDescription("client is disabled")
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return nil, ErrInvalidClient.WithDescription("redirect_uri is not registered")
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType.WithDescription("response_type must be %q", ResponseTypeCode)
	}
	if req.CodeChallenge == "" {
		return nil, ErrInvalidRequest.WithDescription("code_challenge is required")
	}
	if !pkce.ValidMethod(req.CodeChallengeMethod) {
		return nil, ErrInvalidRequest.WithDescription("code_challenge_method must equal %q", pkce.MethodS256)
	}
	if req.Scope != "" && !scopeAllowed(client, req.Scope) {
		return nil, ErrInvalidScope.WithDescription("requested scope exceeds client registration")
	}
	return client, nil
}

// Authenticate looks up the user by username and verifies the password.
// Unknown usernames and wrong passwords are deliberately indistinguishable.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status != "active" {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// IssueCode mints a single-use authorization code bound to the client, user,
// redirect URI and PKCE challenge.
func (s *Service) IssueCode(ctx context.Context, client *Client, user *User, redirectURI, scope, codeChallenge string) (string, error) {
	if scope == "" {
		scope = DefaultScope
	}
	code := &AuthorizationCode{
		Code:          uuid.NewString(),
		ClientID:      client.ID,
		UserID:        user.ID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		CodeChallenge: codeChallenge,
		ExpiresAt:     s.now().UTC().Add(s.codeTTL),
	}
	if err := s.store.AuthCodes(ctx).Create(ctx, code); err != nil {
		return "", err
	}
	return code.Code, nil
}

// CodeExchangeRequest carries the authorization_code grant parameters.
type CodeExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeCode validates and consumes an authorization code, then issues the
// token set. Validation order follows the stored binding, not the request:
// the code must match the exact client and redirect URI recorded at creation.
func (s *Service) ExchangeCode(ctx context.Context, req CodeExchangeRequest) (TokenSet, error) {
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
		return TokenSet{}, ErrInvalidRequest.WithDescription("code, client_id, redirect_uri and code_verifier are required")
	}
	codes := s.store.AuthCodes(ctx)
	record, err := codes.Find(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenSet{}, ErrInvalidGrant.WithDescription("unknown authorization code")
		}
		return TokenSet{}, err
	}
	if s.now().After(record.ExpiresAt) {
		_ = codes.Delete(ctx, record.Code)
		return TokenSet{}, ErrInvalidGrant.WithDescription("authorization code expired")
	}
	if record.Used {
		return TokenSet{}, ErrInvalidGrant.WithDescription("authorization code already used")
	}
	if record.ClientID != req.ClientID {
		return TokenSet{}, ErrInvalidGrant.WithDescription("client mismatch")
	}
	if record.RedirectURI != req.RedirectURI {
		return TokenSet{}, ErrInvalidGrant.WithDescription("redirect_uri mismatch")
	}
	if !pkce.Verify(req.CodeVerifier, record.CodeChallenge) {
		return TokenSet{}, ErrInvalidGrant.WithDescription("PKCE mismatch")
	}
	// The conditional consume is the single-winner step for concurrent
	// exchanges of the same code.
	if err := codes.Consume(ctx, record.Code); err != nil {
		return TokenSet{}, err
	}
	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		return TokenSet{}, err
	}
	return s.issueTokens(ctx, user, record.ClientID, record.Scope)
}

// Refresh rotates a presented refresh token: the old record is revoked before
// a new pair is minted, so a replayed token always fails closed.
func (s *Service) Refresh(ctx context.Context, presented string) (TokenSet, error) {
	id, secret, err := splitRefreshToken(presented)
	if err != nil {
		return TokenSet{}, ErrInvalidGrant.WithDescription("malformed refresh token")
	}
	tokens := s.store.RefreshTokens(ctx)
	record, err := tokens.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenSet{}, ErrInvalidGrant.WithDescription("unknown refresh token")
		}
		return TokenSet{}, err
	}
	if record.Revoked {
		// A revoked token coming back is a replay; kill the whole chain.
		_ = tokens.RevokeAllForUserClient(ctx, record.UserID, record.ClientID)
		s.reuseDetected()
		return TokenSet{}, ErrInvalidGrant.WithDescription("refresh token revoked")
	}
	if s.now().After(record.ExpiresAt) {
		return TokenSet{}, ErrInvalidGrant.WithDescription("refresh token expired")
	}
	if !secretMatches(record.TokenHash, secret) {
		_ = tokens.RevokeAllForUserClient(ctx, record.UserID, record.ClientID)
		s.reuseDetected()
		return TokenSet{}, ErrInvalidGrant.WithDescription("refresh token rejected")
	}
	// Conditional revoke is the single-winner step for concurrent rotations.
	flipped, err := tokens.Revoke(ctx, record.ID)
	if err != nil {
		return TokenSet{}, err
	}
	if !flipped {
		return TokenSet{}, ErrInvalidGrant.WithDescription("refresh token revoked")
	}
	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		return TokenSet{}, err
	}
	return s.issueTokens(ctx, user, record.ClientID, record.Scope)
}

func (s *Service) reuseDetected() {
	if s.onReuse != nil {
		s.onReuse()
	}
}

// Revoke invalidates a refresh token if it exists. It reports whether a
// record was actually revoked and never errors on unknown tokens.
func (s *Service) Revoke(ctx context.Context, presented string) (bool, error) {
	id, _, err := splitRefreshToken(presented)
	if err != nil {
		return false, nil
	}
	tokens := s.store.RefreshTokens(ctx)
	if _, err := tokens.Find(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tokens.Revoke(ctx, id)
}

// CleanupExpired removes expired codes and refresh tokens. Correctness never
// depends on it; expiry is enforced at validation time.
func (s *Service) CleanupExpired(ctx context.Context) (codes, tokens int64, err error) {
	now := s.now().UTC()
	codes, err = s.store.AuthCodes(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	tokens, err = s.store.RefreshTokens(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return codes, 0, err
	}
	return codes, tokens, nil
}

// UserInfo resolves the subject of verified access token claims into the
// OpenID userinfo claim set.
func (s *Service) UserInfo(ctx context.Context, claims *AccessClaims) (map[string]any, error) {
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken.WithDescription("unknown subject")
		}
		return nil, err
	}
	return map[string]any{
		"sub":   user.ID,
		"name":  user.Name,
		"email": user.Email,
	}, nil
}

func scopeAllowed(client *Client, requested string) bool {
	if len(client.Scopes) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(client.Scopes))
	for _, sc := range client.Scopes {
		allowed[sc] = struct{}{}
	}
	for _, sc := range strings.Fields(requested) {
		if _, ok := allowed[sc]; !ok {
			return false
		}
	}
	return true
}

// HasScope reports whether the space-delimited scope claim contains want.
func HasScope(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}
