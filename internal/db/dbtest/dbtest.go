// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"branchchat/backend/internal/db"

	_ "modernc.org/sqlite"
)

// Open returns a fresh in-memory SQLite database with the schema applied.
// The pool is pinned to one connection because every ":memory:" connection
// is a separate database.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = database.Close() })

	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return database
}

// SeedUser inserts a user row with a derived google subject.
func SeedUser(t testing.TB, database *sql.DB, id, email string) {
	t.Helper()
	if _, err := database.Exec(`
INSERT INTO users (id, google_sub, email, display_name)
VALUES (?, ?, ?, ?);
`, id, id+"-sub", email, "Test User"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// SeedConversation inserts a conversation owned by userID.
func SeedConversation(t testing.TB, database *sql.DB, id, userID string) {
	t.Helper()
	if _, err := database.Exec(`
INSERT INTO conversations (id, user_id, title)
VALUES (?, ?, ?);
`, id, userID, "Test Chat"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}
