// Package conversation owns the conversations table and answers who may
// touch a conversation or one of its messages.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultTitle  = "New Chat"
	maxTitleRunes = 120
)

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrForbidden = errors.New("conversation belongs to another user")
)

type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

func (s Store) Create(ctx context.Context, userID, title string) (Conversation, error) {
	var out Conversation
	err := s.db.QueryRowContext(ctx, `
INSERT INTO conversations (id, user_id, title)
VALUES (?, ?, ?)
RETURNING id, title, created_at, updated_at;
`, uuid.NewString(), userID, NormalizeTitle(title)).Scan(&out.ID, &out.Title, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

// List returns the user's conversations, most recently updated first.
func (s Store) List(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, created_at, updated_at
FROM conversations
WHERE user_id = ?
ORDER BY updated_at DESC, created_at DESC, rowid DESC
LIMIT 200;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s Store) Get(ctx context.Context, userID, conversationID string) (Conversation, error) {
	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return Conversation{}, err
	}

	var out Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, created_at, updated_at
FROM conversations
WHERE id = ?;
`, conversationID).Scan(&out.ID, &out.Title, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return out, nil
}

func (s Store) Rename(ctx context.Context, userID, conversationID, title string) (Conversation, error) {
	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return Conversation{}, err
	}

	var out Conversation
	err := s.db.QueryRowContext(ctx, `
UPDATE conversations
SET title = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND user_id = ?
RETURNING id, title, created_at, updated_at;
`, NormalizeTitle(title), conversationID, userID).Scan(&out.ID, &out.Title, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}
	return out, nil
}

// Delete removes the conversation; its messages go with it through the
// foreign key cascade.
func (s Store) Delete(ctx context.Context, userID, conversationID string) error {
	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?;`, conversationID, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s Store) DeleteAll(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?;`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted conversations: %w", err)
	}
	return deleted, nil
}

// Authorize reports ErrNotFound when the conversation does not exist and
// ErrForbidden when it exists under another user.
func (s Store) Authorize(ctx context.Context, userID, conversationID string) error {
	owner, err := s.ownerOf(ctx, `SELECT user_id FROM conversations WHERE id = ?;`, conversationID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	return nil
}

// AuthorizeMessage resolves the conversation holding messageID and checks
// that userID owns it. Soft-deleted messages still resolve.
func (s Store) AuthorizeMessage(ctx context.Context, userID, messageID string) (string, error) {
	var conversationID, owner string
	err := s.db.QueryRowContext(ctx, `
SELECT c.id, c.user_id
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE m.id = ?;
`, messageID).Scan(&conversationID, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve message owner: %w", err)
	}
	if owner != userID {
		return "", ErrForbidden
	}
	return conversationID, nil
}

func (s Store) ownerOf(ctx context.Context, query, id string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve conversation owner: %w", err)
	}
	return owner, nil
}

// NormalizeTitle collapses whitespace and caps the length; blank titles
// fall back to DefaultTitle.
func NormalizeTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	return title
}
