package oauth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestConsumeFlipsUnusedCode(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update auth_codes set used=true").
		WithArgs("code-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.AuthCodes(context.Background()).Consume(context.Background(), "code-1"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeRejectsUsedCode(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update auth_codes set used=true").
		WithArgs("code-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AuthCodes(context.Background()).Consume(context.Background(), "code-1")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected ErrInvalidGrant when no row flips, got %v", err)
	}
}

func TestAuthCodeFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select code, client_id, user_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.AuthCodes(context.Background()).Find(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthCodeRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	expires := time.Now().Add(5 * time.Minute)
	mock.ExpectExec("insert into auth_codes").
		WithArgs("code-1", "spa-client", "user-1", "http://localhost/cb", "openid", "challenge", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select code, client_id, user_id").
		WithArgs("code-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"code", "client_id", "user_id", "redirect_uri", "scope", "code_challenge", "expires_at", "used", "created_at",
		}).AddRow("code-1", "spa-client", "user-1", "http://localhost/cb", "openid", "challenge", expires, false, time.Now()))

	ctx := context.Background()
	codes := store.AuthCodes(ctx)
	err := codes.Create(ctx, &AuthorizationCode{
		Code:          "code-1",
		ClientID:      "spa-client",
		UserID:        "user-1",
		RedirectURI:   "http://localhost/cb",
		Scope:         "openid",
		CodeChallenge: "challenge",
		ExpiresAt:     expires,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec, err := codes.Find(ctx, "code-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if rec.ClientID != "spa-client" || rec.Used {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshRevokeReportsFlip(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update refresh_tokens set revoked=true where id=").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_tokens set revoked=true where id=").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	tokens := store.RefreshTokens(ctx)
	flipped, err := tokens.Revoke(ctx, "tok-1")
	if err != nil || !flipped {
		t.Fatalf("first revoke: err=%v flipped=%v", err, flipped)
	}
	flipped, err = tokens.Revoke(ctx, "tok-1")
	if err != nil || flipped {
		t.Fatalf("second revoke: err=%v flipped=%v", err, flipped)
	}
}

func TestRevokeAllForUserClient(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update refresh_tokens set revoked=true where user_id=").
		WithArgs("user-1", "spa-client").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := store.RefreshTokens(context.Background()).RevokeAllForUserClient(context.Background(), "user-1", "spa-client")
	if err != nil {
		t.Fatalf("RevokeAllForUserClient: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteExpiredCounts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec("delete from auth_codes where expires_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from refresh_tokens where expires_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	n, err := store.AuthCodes(ctx).DeleteExpired(ctx, now)
	if err != nil || n != 2 {
		t.Fatalf("codes DeleteExpired: n=%d err=%v", n, err)
	}
	n, err = store.RefreshTokens(ctx).DeleteExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("tokens DeleteExpired: n=%d err=%v", n, err)
	}
}

func TestClientFindUnmarshalsLists(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("select id, name, redirect_uris").
		WithArgs("spa-client").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "redirect_uris", "client_type", "grant_types", "scopes", "status", "created_at", "updated_at",
		}).AddRow("spa-client", "Demo SPA", []byte(`["http://localhost:3000/callback"]`), "public",
			[]byte(`["authorization_code","refresh_token"]`), []byte(`["openid","profile"]`), "active", now, now))

	client, err := store.Clients(context.Background()).Find(context.Background(), "spa-client")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !client.AllowsRedirect("http://localhost:3000/callback") {
		t.Fatalf("redirect list not decoded: %+v", client)
	}
	if !client.AllowsGrant("refresh_token") {
		t.Fatalf("grant list not decoded: %+v", client)
	}
}
