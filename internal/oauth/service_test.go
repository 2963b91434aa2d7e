package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"idgate.io/internal/keys"
	"idgate.io/internal/pkce"
)

const (
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testIssuer   = "http://idgate.test"
)

type fixture struct {
	svc    *Service
	store  *MemoryStore
	keys   *keys.Manager
	user   *User
	client *Client
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM, _ := keys.EncodePrivatePEM(key)
	pubPEM, _ := keys.EncodePublicPEM(&key.PublicKey)
	km, err := keys.New(privPEM, pubPEM)
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}

	store := NewMemoryStore()
	clock := &fakeClock{now: time.Now().UTC()}
	svc, err := NewService(store, km, WithIssuer(testIssuer), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &User{Username: "alice", PasswordHash: hash, Name: "Alice", Email: "alice@example.com", Status: "active"}
	if err := store.Users(context.Background()).Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	client := &Client{
		ID:           "spa-client",
		Name:         "Demo SPA",
		RedirectURIs: []string{"http://localhost:3000/callback"},
		Type:         ClientTypePublic,
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken},
		Scopes:       []string{"openid", "profile", "email"},
		Status:       "active",
	}
	if err := store.Clients(context.Background()).Create(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}

	return &fixture{svc: svc, store: store, keys: km, user: user, client: client, clock: clock}
}

func (f *fixture) issueCode(t *testing.T) string {
	t.Helper()
	code, err := f.svc.IssueCode(context.Background(), f.client, f.user,
		"http://localhost:3000/callback", "openid profile", pkce.Challenge(testVerifier))
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	return code
}

func (f *fixture) exchange(code, verifier string) (TokenSet, error) {
	return f.svc.ExchangeCode(context.Background(), CodeExchangeRequest{
		Code:         code,
		ClientID:     "spa-client",
		RedirectURI:  "http://localhost:3000/callback",
		CodeVerifier: verifier,
	})
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.Authenticate(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != f.user.ID {
		t.Fatalf("unexpected user %q", user.ID)
	}

	// Wrong password and unknown username must be indistinguishable.
	_, errWrong := f.svc.Authenticate(ctx, "alice", "wrong")
	_, errUnknown := f.svc.Authenticate(ctx, "mallory", "correct horse")
	if !errors.Is(errWrong, ErrInvalidCredentials) || !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", errWrong, errUnknown)
	}
}

func TestValidateAuthorizeRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := AuthorizeRequest{
		ClientID:            "spa-client",
		RedirectURI:         "http://localhost:3000/callback",
		ResponseType:        "code",
		CodeChallenge:       pkce.Challenge(testVerifier),
		CodeChallengeMethod: "S256",
	}
	if _, err := f.svc.ValidateAuthorizeRequest(ctx, valid); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*AuthorizeRequest)
		want   *Error
	}{
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "ghost" }, ErrInvalidClient},
		{"unregistered redirect", func(r *AuthorizeRequest) { r.RedirectURI = "http://evil.test/cb" }, ErrInvalidClient},
		{"wrong response type", func(r *AuthorizeRequest) { r.ResponseType = "token" }, ErrUnsupportedResponseType},
		{"missing challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "" }, ErrInvalidRequest},
		{"plain method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, ErrInvalidRequest},
		{"scope overreach", func(r *AuthorizeRequest) { r.Scope = "openid admin" }, ErrInvalidScope},
	}
	for _, tc := range cases {
		req := valid
		tc.mutate(&req)
		if _, err := f.svc.ValidateAuthorizeRequest(ctx, req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	f := newFixture(t)
	code := f.issueCode(t)

	set, err := f.exchange(code, testVerifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if set.AccessToken == "" || set.RefreshToken == "" || set.IDToken == "" {
		t.Fatalf("incomplete token set: %+v", set)
	}
	if set.TokenType != "Bearer" || set.ExpiresIn != 900 {
		t.Fatalf("unexpected token metadata: type=%s expires_in=%d", set.TokenType, set.ExpiresIn)
	}

	verifier := NewVerifier(f.keys, testIssuer)
	claims, err := verifier.Verify(set.AccessToken, "spa-client", "openid")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != f.user.ID {
		t.Fatalf("sub = %q, want stable user id %q", claims.Subject, f.user.ID)
	}
	if claims.ClientID != "spa-client" {
		t.Fatalf("client_id = %q", claims.ClientID)
	}
}

func TestExchangeCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	code := f.issueCode(t)

	if _, err := f.exchange(code, testVerifier); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := f.exchange(code, testVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second exchange: got %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCodeExpired(t *testing.T) {
	f := newFixture(t)
	code := f.issueCode(t)

	f.clock.Advance(6 * time.Minute)
	if _, err := f.exchange(code, testVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant for expired code, got %v", err)
	}
	// Expired record is deleted as a side effect.
	if _, err := f.store.AuthCodes(context.Background()).Find(context.Background(), code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired code to be deleted, got %v", err)
	}
}

func TestExchangeCodeBindingMismatches(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*CodeExchangeRequest)
	}{
		{"client mismatch", func(r *CodeExchangeRequest) { r.ClientID = "other-client" }},
		{"redirect mismatch", func(r *CodeExchangeRequest) { r.RedirectURI = "http://localhost:3000/other" }},
		{"pkce mismatch", func(r *CodeExchangeRequest) { r.CodeVerifier = "not-the-verifier" }},
	}
	for _, tc := range cases {
		code := f.issueCode(t)
		req := CodeExchangeRequest{
			Code:         code,
			ClientID:     "spa-client",
			RedirectURI:  "http://localhost:3000/callback",
			CodeVerifier: testVerifier,
		}
		tc.mutate(&req)
		if _, err := f.svc.ExchangeCode(context.Background(), req); !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("%s: got %v, want ErrInvalidGrant", tc.name, err)
		}
		// A rejected code stays pending but a later replay of the failed
		// request still fails; only the exact original request succeeds.
		if _, err := f.exchange(code, testVerifier); err != nil {
			t.Fatalf("%s: original request should still succeed once: %v", tc.name, err)
		}
	}
}

func TestExchangeCodeConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	code := f.issueCode(t)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exchange(code, testVerifier)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, failures int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("unexpected error: %v", err)
		}
		failures++
	}
	if wins != 1 || failures != attempts-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d failures", wins, failures)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	rotated, err := f.svc.Refresh(ctx, set.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh(A): %v", err)
	}
	if rotated.RefreshToken == set.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// Replaying the rotated-out token must fail closed.
	if _, err := f.svc.Refresh(ctx, set.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Refresh(A) replay: got %v, want ErrInvalidGrant", err)
	}

	// Reuse detection revokes the whole chain, so B dies with A's replay.
	if _, err := f.svc.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Refresh(B) after reuse: got %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshSuccessorUsableWithoutReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	rotated, err := f.svc.Refresh(ctx, set.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh(A): %v", err)
	}
	if _, err := f.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("Refresh(B): %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t)
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	f.clock.Advance(15 * 24 * time.Hour)
	if _, err := f.svc.Refresh(context.Background(), set.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant for expired refresh token, got %v", err)
	}
}

func TestRefreshWrongSecretRevokesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	id, _, err := splitRefreshToken(set.RefreshToken)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	if _, err := f.svc.Refresh(ctx, id+".forged-secret"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("forged secret: got %v, want ErrInvalidGrant", err)
	}
	// The legitimate token is collateral of the fail-closed chain revocation.
	if _, err := f.svc.Refresh(ctx, set.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("legitimate token after forgery: got %v, want ErrInvalidGrant", err)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	revoked, err := f.svc.Revoke(ctx, set.RefreshToken)
	if err != nil || !revoked {
		t.Fatalf("first revoke: %v, revoked=%v", err, revoked)
	}
	revoked, err = f.svc.Revoke(ctx, set.RefreshToken)
	if err != nil || revoked {
		t.Fatalf("second revoke: %v, revoked=%v", err, revoked)
	}
	revoked, err = f.svc.Revoke(ctx, "unknown.token")
	if err != nil || revoked {
		t.Fatalf("unknown revoke: %v, revoked=%v", err, revoked)
	}

	if _, err := f.svc.Refresh(ctx, set.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("refresh after revoke: got %v, want ErrInvalidGrant", err)
	}
}

func TestVerifierScopeAndAudience(t *testing.T) {
	f := newFixture(t)
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	verifier := NewVerifier(f.keys, testIssuer)

	if _, err := verifier.Verify(set.AccessToken, "spa-client", "admin"); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("missing scope: got %v, want ErrInsufficientScope", err)
	}
	if _, err := verifier.Verify(set.AccessToken, "other-audience", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong audience: got %v, want ErrInvalidToken", err)
	}
	if _, err := verifier.Verify(set.IDToken, "spa-client", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("id token as access token: got %v, want ErrInvalidToken", err)
	}
}

func TestUserInfo(t *testing.T) {
	f := newFixture(t)
	set, err := f.exchange(f.issueCode(t), testVerifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	claims, err := NewVerifier(f.keys, testIssuer).Verify(set.AccessToken, "", "openid")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	info, err := f.svc.UserInfo(context.Background(), claims)
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if info["sub"] != f.user.ID || info["name"] != "Alice" || info["email"] != "alice@example.com" {
		t.Fatalf("unexpected userinfo: %v", info)
	}
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issueCode(t)
	if _, err := f.exchange(f.issueCode(t), testVerifier); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	codes, tokens, err := f.svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if codes == 0 || tokens == 0 {
		t.Fatalf("expected expired records removed, got codes=%d tokens=%d", codes, tokens)
	}
}
