package db

import (
	"context"
	"database/sql"
	"testing"
)

func TestBuildDSNForLibsqlAddsToken(t *testing.T) {
	driver, dsn, err := buildDSN("libsql://chat.example.turso.io", "abc123")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if driver != "libsql" {
		t.Fatalf("unexpected driver: %s", driver)
	}
	if dsn != "libsql://chat.example.turso.io?authToken=abc123" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNForFileURLUsesSQLiteWithForeignKeys(t *testing.T) {
	driver, dsn, err := buildDSN("file:local.db", "ignored")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if driver != "sqlite" {
		t.Fatalf("unexpected driver: %s", driver)
	}
	if dsn != "file:local.db?_pragma=foreign_keys(1)" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNRejectsEmptyURL(t *testing.T) {
	if _, _, err := buildDSN("  ", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = database.Close() })

	for i := 0; i < 2; i++ {
		if err := Migrate(context.Background(), database); err != nil {
			t.Fatalf("migrate pass %d: %v", i+1, err)
		}
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'ux_messages_active_child';`).Scan(&count); err != nil {
		t.Fatalf("lookup index: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected active-child unique index, got %d", count)
	}
}
