package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"branchchat/backend/internal/db/dbtest"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	user, err := store.SignIn(ctx, Profile{GoogleSub: "sub-1", Email: " Person@Example.com", Name: " Person "})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if user.Email != "person@example.com" || user.Name != "Person" {
		t.Fatalf("unexpected normalized user: %+v", user)
	}

	issued, err := store.Issue(ctx, user.ID, time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if !issued.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", issued.ExpiresAt)
	}

	resolved, err := store.Resolve(ctx, issued.Token)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("resolved wrong user: %+v", resolved)
	}

	if err := store.Revoke(ctx, issued.Token); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if _, err := store.Resolve(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestSignInRefreshesProfileBySubject(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	first, err := store.SignIn(ctx, Profile{GoogleSub: "sub-1", Email: "old@example.com", Name: "Old"})
	if err != nil {
		t.Fatalf("first sign in: %v", err)
	}
	second, err := store.SignIn(ctx, Profile{GoogleSub: "sub-1", Email: "new@example.com", Name: "New"})
	if err != nil {
		t.Fatalf("second sign in: %v", err)
	}
	if second.ID != first.ID || second.Email != "new@example.com" || second.Name != "New" {
		t.Fatalf("expected refreshed profile on %s, got %+v", first.ID, second)
	}

	if _, err := store.SignIn(ctx, Profile{Email: "nosub@example.com"}); err == nil {
		t.Fatal("expected sign in without subject to fail")
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))

	user, err := store.SignIn(ctx, Profile{GoogleSub: "sub-2", Email: "late@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	issued, err := store.Issue(ctx, user.ID, time.Minute)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := store.Resolve(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
}

func TestIssuePrunesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database)

	user, err := store.SignIn(ctx, Profile{GoogleSub: "sub-3", Email: "busy@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Issue(ctx, user.ID, -time.Minute); err != nil {
			t.Fatalf("issue expired session %d: %v", i, err)
		}
	}
	live, err := store.Issue(ctx, user.ID, time.Hour)
	if err != nil {
		t.Fatalf("issue live session: %v", err)
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM sessions WHERE user_id = ?;`, user.ID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the live session to remain, got %d", count)
	}
	if _, err := store.Resolve(ctx, live.Token); err != nil {
		t.Fatalf("resolve live session: %v", err)
	}
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t))
	anon := User{ID: "anonymous-user", Email: "anonymous@chat.local", Name: "Anonymous", GoogleSub: "anonymous"}

	for i := 0; i < 2; i++ {
		user, err := store.EnsureUser(ctx, anon)
		if err != nil {
			t.Fatalf("ensure user pass %d: %v", i+1, err)
		}
		if user.ID != anon.ID {
			t.Fatalf("unexpected user id: %s", user.ID)
		}
	}
}
