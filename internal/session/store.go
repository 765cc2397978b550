package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// sqliteTimeLayout matches CURRENT_TIMESTAMP so expiry compares lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05"

const tokenBytes = 32

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	GoogleSub string `json:"googleSub"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Profile is the identity a sign-in provider vouches for.
type Profile struct {
	GoogleSub string
	Email     string
	Name      string
	AvatarURL string
}

func (p Profile) normalized() Profile {
	return Profile{
		GoogleSub: strings.TrimSpace(p.GoogleSub),
		Email:     strings.ToLower(strings.TrimSpace(p.Email)),
		Name:      strings.TrimSpace(p.Name),
		AvatarURL: strings.TrimSpace(p.AvatarURL),
	}
}

// Session is a freshly issued login. Token is only ever returned here; the
// database keeps its hash.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{db: db, now: time.Now}
}

const userColumns = `id, google_sub, email, COALESCE(display_name, ''), COALESCE(avatar_url, ''), created_at, updated_at`

// SignIn records the profile under its Google subject, refreshing the stored
// email, name and avatar on every login.
func (s Store) SignIn(ctx context.Context, profile Profile) (User, error) {
	p := profile.normalized()
	if p.GoogleSub == "" || p.Email == "" {
		return User{}, errors.New("sign in: subject and email are required")
	}

	query := `
INSERT INTO users (id, google_sub, email, display_name, avatar_url)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(google_sub) DO UPDATE SET
  email = excluded.email,
  display_name = excluded.display_name,
  avatar_url = excluded.avatar_url,
  updated_at = CURRENT_TIMESTAMP
RETURNING ` + userColumns + `;
`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, uuid.NewString(), p.GoogleSub, p.Email, p.Name, p.AvatarURL))
	if err != nil {
		return User{}, fmt.Errorf("sign in %s: %w", p.Email, err)
	}
	return user, nil
}

// EnsureUser persists a user row under its own id, used for the fixed
// anonymous identity when auth is disabled.
func (s Store) EnsureUser(ctx context.Context, user User) (User, error) {
	query := `
INSERT INTO users (id, google_sub, email, display_name)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = users.updated_at
RETURNING ` + userColumns + `;
`
	out, err := scanUser(s.db.QueryRowContext(ctx, query, user.ID, user.GoogleSub, strings.ToLower(user.Email), user.Name))
	if err != nil {
		return User{}, fmt.Errorf("ensure user %s: %w", user.ID, err)
	}
	return out, nil
}

// Issue starts a session for userID and prunes that user's expired sessions
// in the same transaction.
func (s Store) Issue(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	raw, digest, err := newToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now := s.now().UTC()
	issued := Session{Token: raw, ExpiresAt: now.Add(ttl)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND expires_at <= ?;`,
		userID, now.Format(sqliteTimeLayout),
	); err != nil {
		return Session{}, fmt.Errorf("prune sessions for %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?);`,
		uuid.NewString(), userID, digest, issued.ExpiresAt.Format(sqliteTimeLayout),
	); err != nil {
		return Session{}, fmt.Errorf("issue session for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return issued, nil
}

// Resolve maps a raw token to its user. Unknown and expired tokens are both
// ErrNotFound.
func (s Store) Resolve(ctx context.Context, rawToken string) (User, error) {
	query := `
SELECT u.id, u.google_sub, u.email, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), u.created_at, u.updated_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = ? AND s.expires_at > ?
LIMIT 1;
`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, digestToken(rawToken), s.now().UTC().Format(sqliteTimeLayout)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return User{}, ErrNotFound
	case err != nil:
		return User{}, fmt.Errorf("resolve session: %w", err)
	}
	return user, nil
}

// Revoke ends the session behind rawToken. Blank or unknown tokens are a no-op.
func (s Store) Revoke(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?;`, digestToken(rawToken)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (User, error) {
	var out User
	err := row.Scan(&out.ID, &out.GoogleSub, &out.Email, &out.Name, &out.AvatarURL, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

// newToken returns a random URL-safe token and the digest stored for it.
func newToken() (raw, digest string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, digestToken(raw), nil
}

func digestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
