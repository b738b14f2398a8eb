package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

func newServiceWithUser(t *testing.T) (*TokenService, metadata.Store, *metadata.User) {
	t.Helper()
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	user := &metadata.User{
		ID: "u-1", Email: "dev@example.com", PasswordHash: "x",
		IsActive: true, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return NewTokenService(store), store, user
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _, user := newServiceWithUser(t)
	ctx := context.Background()

	record, plaintext, err := svc.CreateToken(ctx, user.ID, "ci", []string{"publish:all"}, nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if record.TokenHash != HashToken(plaintext) {
		t.Error("stored hash does not match plaintext")
	}

	token, authedUser, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token.Label != "ci" || authedUser.ID != user.ID {
		t.Errorf("wrong identity: token %+v user %+v", token, authedUser)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	svc, _, _ := newServiceWithUser(t)
	ctx := context.Background()

	for _, presented := range []string{"", "not-a-token", "repub_short"} {
		if _, _, err := svc.Authenticate(ctx, presented); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Authenticate(%q) err = %v, want ErrInvalidToken", presented, err)
		}
	}

	// Well-formed but unknown.
	unknown, _, _ := GenerateToken()
	if _, _, err := svc.Authenticate(ctx, unknown); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	svc, _, user := newServiceWithUser(t)
	ctx := context.Background()

	exp := time.Now().UTC().Add(time.Hour)
	_, plaintext, err := svc.CreateToken(ctx, user.ID, "short", []string{"read:all"}, &exp)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, _, err := svc.Authenticate(ctx, plaintext); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestAuthenticateRejectsInactiveUser(t *testing.T) {
	svc, store, user := newServiceWithUser(t)
	ctx := context.Background()

	_, plaintext, err := svc.CreateToken(ctx, user.ID, "ci", []string{"read:all"}, nil)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	// Deactivate by recreating the user record.
	if err := store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, plaintext); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken after user removal", err)
	}
}

func TestCreateTokenEnforcesMaxTTL(t *testing.T) {
	svc, store, user := newServiceWithUser(t)
	ctx := context.Background()

	if err := store.SetConfig(ctx, metadata.ConfigTokenMaxTTLDays, "30"); err != nil {
		t.Fatalf("set config: %v", err)
	}

	// No expiry at all is rejected when a maximum is configured.
	if _, _, err := svc.CreateToken(ctx, user.ID, "forever", []string{"read:all"}, nil); err == nil {
		t.Error("expected error for non-expiring token under TTL policy")
	}

	tooLong := time.Now().UTC().Add(60 * 24 * time.Hour)
	if _, _, err := svc.CreateToken(ctx, user.ID, "long", []string{"read:all"}, &tooLong); err == nil {
		t.Error("expected error for expiry beyond the maximum")
	}

	ok := time.Now().UTC().Add(7 * 24 * time.Hour)
	if _, _, err := svc.CreateToken(ctx, user.ID, "week", []string{"read:all"}, &ok); err != nil {
		t.Errorf("expiry within bound rejected: %v", err)
	}
}

func TestCreateTokenValidation(t *testing.T) {
	svc, _, user := newServiceWithUser(t)
	ctx := context.Background()

	if _, _, err := svc.CreateToken(ctx, user.ID, "", []string{"read:all"}, nil); err == nil {
		t.Error("empty label accepted")
	}
	if _, _, err := svc.CreateToken(ctx, user.ID, "bad", []string{"nope"}, nil); err == nil {
		t.Error("unknown scope accepted")
	}
	past := time.Now().UTC().Add(-time.Hour)
	if _, _, err := svc.CreateToken(ctx, user.ID, "past", []string{"read:all"}, &past); err == nil {
		t.Error("past expiry accepted")
	}
}
