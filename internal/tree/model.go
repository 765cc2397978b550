package tree

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole accepts only the three stored roles.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// Valid reports whether r is one of the stored roles exactly as written.
// Raw client input goes through ParseRole first.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one node of a conversation tree.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	ParentID       *string        `json:"parentId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	IsActive       bool           `json:"isActive"`
	ModelID        string         `json:"modelId,omitempty"`
	TokensUsed     *int           `json:"tokensUsed,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	CreatedAt      string         `json:"createdAt"`
}

func (m Message) IsRoot() bool {
	return m.ParentID == nil
}

// parentKey is the sibling-group key; roots share the empty key.
func (m Message) parentKey() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

// NewMessage describes a message to insert. A nil ParentID creates a root.
type NewMessage struct {
	ConversationID string
	ParentID       *string
	Role           Role
	Content        string
	ModelID        string
	TokensUsed     *int
	Metadata       map[string]any
}

func (n NewMessage) validate() error {
	if strings.TrimSpace(n.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if !n.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, n.Role)
	}
	if strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if n.TokensUsed != nil && *n.TokensUsed < 0 {
		return fmt.Errorf("%w: tokens used must be >= 0", ErrInvalidInput)
	}
	return nil
}

// BranchInfo describes a decision point: a parent with several children.
type BranchInfo struct {
	ParentID    *string         `json:"parentId"`
	BranchCount int             `json:"branchCount"`
	Branches    []BranchSummary `json:"branches"`
}

type BranchSummary struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Preview   string `json:"preview"`
	IsActive  bool   `json:"isActive"`
	CreatedAt string `json:"createdAt"`
}
