package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxDepth     = 100
	DefaultPreviewRunes = 100
)

// Operation names reported to the Recorder.
const (
	OpCreateMessage   = "create_message"
	OpCreateBranch    = "create_branch"
	OpEditMessage     = "edit_message"
	OpAppendMessage   = "append_message"
	OpSwitchBranch    = "switch_branch"
	OpDeleteMessage   = "delete_message"
	OpActiveThread    = "active_thread"
	OpConversation    = "conversation_tree"
	OpMessageThread   = "message_thread"
	OpBranchPoints    = "branch_points"
	OpMessageBranches = "message_branches"
)

// Recorder receives one call per Manager operation.
type Recorder interface {
	ObserveOperation(op string, duration time.Duration, err error)
}

type Option func(*Manager)

// WithMaxDepth bounds how many messages a single thread may hold.
func WithMaxDepth(depth int) Option {
	return func(m *Manager) {
		if depth > 0 {
			m.maxDepth = depth
		}
	}
}

func WithPreviewRunes(runes int) Option {
	return func(m *Manager) {
		if runes > 0 {
			m.previewRunes = runes
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the parent/child/active-flag invariants of the messages
// table. Every mutation runs in one transaction: the conversation is loaded
// into an index, the flag changes are planned in memory and the diff is
// written back before the new row is inserted.
//
// Callers are trusted: ownership of the ids passed in is checked upstream.
type Manager struct {
	repo         Repository
	maxDepth     int
	previewRunes int
	recorder     Recorder
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
}

func NewManager(db *sql.DB, opts ...Option) Manager {
	m := Manager{
		repo:         NewRepository(db),
		maxDepth:     DefaultMaxDepth,
		previewRunes: DefaultPreviewRunes,
		log:          zerolog.Nop(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m Manager) MaxDepth() int {
	return m.maxDepth
}

// CreateMessage inserts a message under in.ParentID, or as a new root when
// ParentID is nil. The new message becomes the sole active child of its
// parent and the path down to it becomes the active thread.
func (m Manager) CreateMessage(ctx context.Context, in NewMessage) (msg Message, err error) {
	defer m.observe(OpCreateMessage, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		if in.ParentID != nil {
			parent, err := m.liveMessage(ctx, repo, *in.ParentID)
			if err != nil {
				return err
			}
			if in.ConversationID == "" {
				in.ConversationID = parent.ConversationID
			}
			if in.ConversationID != parent.ConversationID {
				return fmt.Errorf("%w: parent %s belongs to another conversation", ErrInvalidInput, parent.ID)
			}
		}

		ix, err := m.loadIndex(ctx, repo, in.ConversationID)
		if err != nil {
			return err
		}
		msg, err = m.insertInto(ctx, repo, ix, in)
		return err
	})
	return msg, err
}

// CreateBranch adds a new child under parentID and demotes the parent's
// other children together with their subtrees.
func (m Manager) CreateBranch(ctx context.Context, parentID, content string, role Role) (msg Message, err error) {
	defer m.observe(OpCreateBranch, time.Now(), &err)

	if strings.TrimSpace(parentID) == "" {
		return Message{}, fmt.Errorf("%w: parent id is required", ErrInvalidInput)
	}

	err = m.repo.InTx(ctx, func(repo Repository) error {
		parent, err := m.liveMessage(ctx, repo, parentID)
		if err != nil {
			return err
		}
		ix, err := m.loadIndex(ctx, repo, parent.ConversationID)
		if err != nil {
			return err
		}
		msg, err = m.insertInto(ctx, repo, ix, NewMessage{
			ConversationID: parent.ConversationID,
			ParentID:       &parent.ID,
			Role:           role,
			Content:        content,
		})
		return err
	})
	return msg, err
}

// EditMessageAndBranch never rewrites messageID: it creates a sibling with
// the same parent and role carrying newContent, and deactivates the
// original along with everything below it.
func (m Manager) EditMessageAndBranch(ctx context.Context, messageID, newContent string) (msg Message, err error) {
	defer m.observe(OpEditMessage, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		original, err := m.liveMessage(ctx, repo, messageID)
		if err != nil {
			return err
		}
		ix, err := m.loadIndex(ctx, repo, original.ConversationID)
		if err != nil {
			return err
		}
		msg, err = m.insertInto(ctx, repo, ix, NewMessage{
			ConversationID: original.ConversationID,
			ParentID:       original.ParentID,
			Role:           original.Role,
			Content:        newContent,
			Metadata:       map[string]any{"editedFrom": original.ID},
		})
		return err
	})
	return msg, err
}

// AppendMessage continues the active thread of a conversation; the first
// message of an empty conversation becomes its root.
func (m Manager) AppendMessage(ctx context.Context, in NewMessage) (msg Message, err error) {
	defer m.observe(OpAppendMessage, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		ix, err := m.loadIndex(ctx, repo, in.ConversationID)
		if err != nil {
			return err
		}
		thread, err := ix.activeThread()
		if err != nil {
			return err
		}
		in.ParentID = nil
		if len(thread) > 0 {
			leaf := thread[len(thread)-1].ID
			in.ParentID = &leaf
		}
		msg, err = m.insertInto(ctx, repo, ix, in)
		return err
	})
	return msg, err
}

// SwitchToBranch activates targetID and its ancestors and demotes every
// competing sibling subtree along that path. An active path below the target
// is kept; a demoted subtree stays inactive, so the thread ends at the target.
// It returns the resulting active thread.
func (m Manager) SwitchToBranch(ctx context.Context, targetID string) (thread []Message, err error) {
	defer m.observe(OpSwitchBranch, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		target, err := m.liveMessage(ctx, repo, targetID)
		if err != nil {
			return err
		}
		ix, err := m.loadIndex(ctx, repo, target.ConversationID)
		if err != nil {
			return err
		}

		before := ix.activeFlags()
		if err := ix.selectPath(target.ID, m.maxDepth); err != nil {
			return err
		}
		if err := persistDiff(ctx, repo, ix, before); err != nil {
			return err
		}

		thread, err = ix.activeThread()
		return err
	})
	return thread, err
}

// DeleteMessage soft-deletes messageID and its subtree. Deleted messages stay
// in the tree view but can no longer be selected or branched from.
func (m Manager) DeleteMessage(ctx context.Context, messageID string) (err error) {
	defer m.observe(OpDeleteMessage, time.Now(), &err)

	return m.repo.InTx(ctx, func(repo Repository) error {
		target, err := repo.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if target.Deleted {
			return nil
		}
		ix, err := m.loadIndex(ctx, repo, target.ConversationID)
		if err != nil {
			return err
		}
		if err := repo.MarkDeleted(ctx, ix.subtree(target.ID), formatTimestamp(m.now())); err != nil {
			return err
		}
		return repo.TouchConversation(ctx, target.ConversationID)
	})
}

// FindActiveConversationThread returns the currently selected root-to-leaf
// path. An empty conversation yields an empty thread.
func (m Manager) FindActiveConversationThread(ctx context.Context, conversationID string) (thread []Message, err error) {
	defer m.observe(OpActiveThread, time.Now(), &err)

	msgs, err := m.repo.ListConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return newIndex(msgs).activeThread()
}

// FindConversationTree returns every message of the conversation, inactive
// and soft-deleted ones included, in creation order.
func (m Manager) FindConversationTree(ctx context.Context, conversationID string) (msgs []Message, err error) {
	defer m.observe(OpConversation, time.Now(), &err)

	return m.repo.ListConversationMessages(ctx, conversationID)
}

// FindConversationThread returns the ancestors of messageID followed by the
// message itself. The chain is structural: ancestors are included whether
// or not they are on the active thread.
func (m Manager) FindConversationThread(ctx context.Context, messageID string) (thread []Message, err error) {
	defer m.observe(OpMessageThread, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		target, err := repo.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		ix, err := m.loadIndex(ctx, repo, target.ConversationID)
		if err != nil {
			return err
		}
		thread, err = ix.ancestry(target.ID, m.maxDepth)
		return err
	})
	return thread, err
}

func (m Manager) GetConversationBranches(ctx context.Context, conversationID string) (branches []BranchInfo, err error) {
	defer m.observe(OpBranchPoints, time.Now(), &err)

	msgs, err := m.repo.ListConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return newIndex(msgs).branchPoints(m.previewRunes), nil
}

// FindMessageBranches returns the live siblings of messageID, itself included.
func (m Manager) FindMessageBranches(ctx context.Context, messageID string) (siblings []Message, err error) {
	defer m.observe(OpMessageBranches, time.Now(), &err)

	err = m.repo.InTx(ctx, func(repo Repository) error {
		target, err := m.liveMessage(ctx, repo, messageID)
		if err != nil {
			return err
		}
		siblings, err = repo.ListSiblings(ctx, target.ConversationID, target.ParentID)
		return err
	})
	return siblings, err
}

func (m Manager) liveMessage(ctx context.Context, repo Repository, id string) (Message, error) {
	msg, err := repo.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.Deleted {
		return Message{}, fmt.Errorf("%w: %s is deleted", ErrNotFound, id)
	}
	return msg, nil
}

func (m Manager) loadIndex(ctx context.Context, repo Repository, conversationID string) (*index, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	msgs, err := repo.ListConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return newIndex(msgs), nil
}

// insertInto plans and writes a new active child of in.ParentID. Must run
// inside the transaction that loaded ix.
func (m Manager) insertInto(ctx context.Context, repo Repository, ix *index, in NewMessage) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, err
	}

	before := ix.activeFlags()
	parentKey := ""
	if in.ParentID != nil {
		parent, ok := ix.get(*in.ParentID)
		if !ok || parent.Deleted {
			return Message{}, fmt.Errorf("%w: parent %s", ErrNotFound, *in.ParentID)
		}
		chain, err := ix.ancestry(parent.ID, m.maxDepth)
		if err != nil {
			return Message{}, err
		}
		if len(chain) >= m.maxDepth {
			return Message{}, fmt.Errorf("%w: thread already holds %d messages", ErrInvalidInput, m.maxDepth)
		}
		if err := ix.selectPath(parent.ID, m.maxDepth); err != nil {
			return Message{}, err
		}
		parentKey = parent.ID
	}
	for _, sibling := range ix.children[parentKey] {
		ix.deactivateSubtree(sibling)
	}
	if err := persistDiff(ctx, repo, ix, before); err != nil {
		return Message{}, err
	}

	createdAt := formatTimestamp(m.now())
	if floor := ix.floorStamp(parentKey); floor > createdAt {
		createdAt = floor
	}

	msg := Message{
		ID:             m.newID(),
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Content:        in.Content,
		IsActive:       true,
		ModelID:        strings.TrimSpace(in.ModelID),
		TokensUsed:     in.TokensUsed,
		Metadata:       in.Metadata,
		CreatedAt:      createdAt,
	}
	if in.ParentID != nil {
		parentID := *in.ParentID
		msg.ParentID = &parentID
	}

	if err := repo.InsertMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	if err := repo.TouchConversation(ctx, msg.ConversationID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// persistDiff writes deactivations before activations so the one-active-
// child unique index never sees two active siblings.
func persistDiff(ctx context.Context, repo Repository, ix *index, before map[string]bool) error {
	deactivate, activate := ix.diff(before)
	if err := repo.SetActive(ctx, deactivate, false); err != nil {
		return err
	}
	return repo.SetActive(ctx, activate, true)
}

func (m Manager) observe(op string, start time.Time, errp *error) {
	err := *errp
	if m.recorder != nil {
		m.recorder.ObserveOperation(op, time.Since(start), err)
	}
	if errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrCorruptTree) {
		m.log.Warn().Err(err).Str("op", op).Msg("conversation tree integrity check failed")
	}
}
