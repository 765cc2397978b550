package tree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timestampLayout is fixed width so lexical order matches chronological order.
// Reads order by created_at then rowid, and a new message is never stamped
// earlier than its parent or siblings (see index.floorStamp), so a wall clock
// that steps backwards cannot reorder a sibling group.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

const maxIDsPerStatement = 500

const messageColumns = `id, conversation_id, parent_id, role, content, is_active, model_id, tokens_used, metadata, deleted_at, created_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the SQL side of the tree: plain reads and writes of the
// messages table with no branching logic of its own.
type Repository struct {
	db *sql.DB
	q  querier
}

func NewRepository(db *sql.DB) Repository {
	return Repository{db: db, q: db}
}

// InTx runs fn against a repository bound to a single transaction. Nested
// calls reuse the outer transaction.
func (r Repository) InTx(ctx context.Context, fn func(Repository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(Repository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r Repository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ? LIMIT 1;`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListConversationMessages returns every message of a conversation in
// creation order, soft-deleted ones included.
func (r Repository) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY created_at ASC, rowid ASC;
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListSiblings returns the live children of parentID (roots when nil).
func (r Repository) ListSiblings(ctx context.Context, conversationID string, parentID *string) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ? AND parent_id IS ? AND deleted_at IS NULL
ORDER BY created_at ASC, rowid ASC;
`, conversationID, nullableString(parentID))
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r Repository) InsertMessage(ctx context.Context, msg Message) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	var tokens any
	if msg.TokensUsed != nil {
		tokens = *msg.TokensUsed
	}

	_, err = r.q.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, parent_id, role, content, is_active, model_id, tokens_used, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, msg.ID, msg.ConversationID, nullableString(msg.ParentID), string(msg.Role), msg.Content, boolToInt(msg.IsActive),
		nullableText(msg.ModelID), tokens, metadata, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: insert %s", ErrConflict, msg.ID)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r Repository) SetActive(ctx context.Context, ids []string, active bool) error {
	for _, chunk := range chunkIDs(ids) {
		query := fmt.Sprintf(`UPDATE messages SET is_active = ? WHERE id IN (%s);`, placeholders(len(chunk)))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, boolToInt(active))
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: activate %v", ErrConflict, chunk)
			}
			return fmt.Errorf("set active=%t: %w", active, err)
		}
	}
	return nil
}

// MarkDeleted soft-deletes ids; they also lose their active flag.
func (r Repository) MarkDeleted(ctx context.Context, ids []string, deletedAt string) error {
	for _, chunk := range chunkIDs(ids) {
		query := fmt.Sprintf(`
UPDATE messages
SET deleted_at = COALESCE(deleted_at, ?), is_active = 0
WHERE id IN (%s);
`, placeholders(len(chunk)))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, deletedAt)
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
	}
	return nil
}

func (r Repository) TouchConversation(ctx context.Context, conversationID string) error {
	if _, err := r.q.ExecContext(ctx, `
UPDATE conversations
SET updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		parentID  sql.NullString
		role      string
		modelID   sql.NullString
		tokens    sql.NullInt64
		metadata  sql.NullString
		deletedAt sql.NullString
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&parentID,
		&role,
		&msg.Content,
		&msg.IsActive,
		&modelID,
		&tokens,
		&metadata,
		&deletedAt,
		&msg.CreatedAt,
	); err != nil {
		return Message{}, err
	}

	parsedRole, err := ParseRole(role)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Role = parsedRole

	if parentID.Valid {
		value := parentID.String
		msg.ParentID = &value
	}
	msg.ModelID = modelID.String
	if tokens.Valid {
		value := int(tokens.Int64)
		msg.TokensUsed = &value
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata of %s: %w", msg.ID, err)
		}
	}
	msg.Deleted = deletedAt.Valid
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func chunkIDs(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, len(ids)/maxIDsPerStatement+1)
	for start := 0; start < len(ids); start += maxIDsPerStatement {
		end := start + maxIDsPerStatement
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT FAILED")
}
