package conversation

import (
	"context"
	"strings"
	"testing"

	"branchchat/backend/internal/db/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNormalizesTitle(t *testing.T) {
	database := dbtest.Open(t)
	dbtest.SeedUser(t, database, "user-1", "user1@example.com")
	store := NewStore(database)

	created, err := store.Create(context.Background(), "user-1", "  First \n  Chat ")
	require.NoError(t, err)
	assert.Equal(t, "First Chat", created.Title)
	assert.NotEmpty(t, created.ID)

	blank, err := store.Create(context.Background(), "user-1", "   ")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, blank.Title)
}

func TestNormalizeTitleCapsLength(t *testing.T) {
	title := NormalizeTitle(strings.Repeat("é", maxTitleRunes+10))
	assert.Equal(t, maxTitleRunes, len([]rune(title)))
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	dbtest.SeedUser(t, database, "owner", "owner@example.com")
	dbtest.SeedUser(t, database, "other", "other@example.com")
	dbtest.SeedConversation(t, database, "conv-1", "owner")
	_, err := database.Exec(`
INSERT INTO messages (id, conversation_id, parent_id, role, content, is_active, created_at)
VALUES ('msg-1', 'conv-1', NULL, 'user', 'hi', 1, '2026-01-01T00:00:00.000000Z');
`)
	require.NoError(t, err)

	store := NewStore(database)

	require.NoError(t, store.Authorize(ctx, "owner", "conv-1"))
	require.ErrorIs(t, store.Authorize(ctx, "other", "conv-1"), ErrForbidden)
	require.ErrorIs(t, store.Authorize(ctx, "owner", "missing"), ErrNotFound)

	conversationID, err := store.AuthorizeMessage(ctx, "owner", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conversationID)

	_, err = store.AuthorizeMessage(ctx, "other", "msg-1")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = store.AuthorizeMessage(ctx, "owner", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRenameAndDeleteAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	dbtest.SeedUser(t, database, "owner", "owner@example.com")
	dbtest.SeedUser(t, database, "other", "other@example.com")
	store := NewStore(database)

	created, err := store.Create(ctx, "owner", "Draft")
	require.NoError(t, err)

	_, err = store.Rename(ctx, "other", created.ID, "Stolen")
	require.ErrorIs(t, err, ErrForbidden)

	renamed, err := store.Rename(ctx, "owner", created.ID, "  Final  ")
	require.NoError(t, err)
	assert.Equal(t, "Final", renamed.Title)

	require.ErrorIs(t, store.Delete(ctx, "other", created.ID), ErrForbidden)
	require.NoError(t, store.Delete(ctx, "owner", created.ID))

	_, err = store.Get(ctx, "owner", created.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAllCascadesMessagesForOneUser(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	dbtest.SeedUser(t, database, "u1", "u1@example.com")
	dbtest.SeedUser(t, database, "u2", "u2@example.com")
	dbtest.SeedConversation(t, database, "c1", "u1")
	dbtest.SeedConversation(t, database, "c2", "u1")
	dbtest.SeedConversation(t, database, "c3", "u2")
	_, err := database.Exec(`
INSERT INTO messages (id, conversation_id, parent_id, role, content, is_active, created_at)
VALUES ('m1', 'c1', NULL, 'user', 'hi', 1, '2026-01-01T00:00:00.000000Z');
`)
	require.NoError(t, err)

	store := NewStore(database)
	deleted, err := store.DeleteAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := store.List(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c3", remaining[0].ID)

	var messages int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM messages;`).Scan(&messages))
	assert.Zero(t, messages)
}
