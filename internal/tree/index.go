package tree

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// index is the in-memory adjacency view of one conversation. Every walk
// over it is an explicit loop with a hard step bound, so a damaged parent
// chain surfaces as ErrCorruptTree instead of spinning.
type index struct {
	order    []string
	byID     map[string]*Message
	children map[string][]string
}

func newIndex(msgs []Message) *index {
	ix := &index{
		order:    make([]string, 0, len(msgs)),
		byID:     make(map[string]*Message, len(msgs)),
		children: make(map[string][]string, len(msgs)),
	}
	for i := range msgs {
		msg := msgs[i]
		ix.order = append(ix.order, msg.ID)
		ix.byID[msg.ID] = &msg
		key := msg.parentKey()
		ix.children[key] = append(ix.children[key], msg.ID)
	}
	return ix
}

func (ix *index) get(id string) (*Message, bool) {
	msg, ok := ix.byID[id]
	return msg, ok
}

func (ix *index) all() []Message {
	out := make([]Message, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, *ix.byID[id])
	}
	return out
}

// liveChildren returns the non-deleted children of parentKey in creation order.
func (ix *index) liveChildren(parentKey string) []*Message {
	ids := ix.children[parentKey]
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg := ix.byID[id]; !msg.Deleted {
			out = append(out, msg)
		}
	}
	return out
}

// floorStamp is the latest created_at among the parent behind parentKey and
// its children.
func (ix *index) floorStamp(parentKey string) string {
	floor := ""
	if parent, ok := ix.byID[parentKey]; ok {
		floor = parent.CreatedAt
	}
	for _, id := range ix.children[parentKey] {
		if stamp := ix.byID[id].CreatedAt; stamp > floor {
			floor = stamp
		}
	}
	return floor
}

// activeChild returns the single active child of parentKey, nil when none.
func (ix *index) activeChild(parentKey string) (*Message, error) {
	var found *Message
	for _, id := range ix.children[parentKey] {
		msg := ix.byID[id]
		if !msg.IsActive {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: parent %q has active children %s and %s", ErrInvariantViolation, parentKey, found.ID, msg.ID)
		}
		found = msg
	}
	return found, nil
}

// activeThread follows active children from the active root down to a leaf.
func (ix *index) activeThread() ([]Message, error) {
	out := make([]Message, 0, 8)
	key := ""
	for steps := 0; steps <= len(ix.order); steps++ {
		child, err := ix.activeChild(key)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return out, nil
		}
		out = append(out, *child)
		key = child.ID
	}
	return nil, fmt.Errorf("%w: active thread longer than the conversation", ErrCorruptTree)
}

// ancestry returns root..id. maxDepth bounds the number of messages in the
// chain; exceeding it is reported, never truncated.
func (ix *index) ancestry(id string, maxDepth int) ([]Message, error) {
	current, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	chain := []Message{*current}
	seen := map[string]struct{}{id: {}}
	for current.ParentID != nil {
		if len(chain) >= maxDepth {
			return nil, fmt.Errorf("%w: thread of %s exceeds %d messages", ErrCorruptTree, id, maxDepth)
		}
		parentID := *current.ParentID
		if _, loop := seen[parentID]; loop {
			return nil, fmt.Errorf("%w: cycle through %s", ErrCorruptTree, parentID)
		}
		parent, ok := ix.byID[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s references missing parent %s", ErrCorruptTree, current.ID, parentID)
		}
		seen[parentID] = struct{}{}
		chain = append(chain, *parent)
		current = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// subtree returns id and all of its descendants.
func (ix *index) subtree(id string) []string {
	out := []string{id}
	seen := map[string]struct{}{id: {}}
	for i := 0; i < len(out); i++ {
		for _, child := range ix.children[out[i]] {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

func (ix *index) deactivateSubtree(id string) {
	for _, member := range ix.subtree(id) {
		ix.byID[member].IsActive = false
	}
}

// selectPath makes root..target the active prefix: every node on the path
// is activated and every competing sibling loses its whole subtree.
func (ix *index) selectPath(target string, maxDepth int) error {
	chain, err := ix.ancestry(target, maxDepth)
	if err != nil {
		return err
	}
	for _, node := range chain {
		for _, sibling := range ix.children[node.parentKey()] {
			if sibling != node.ID {
				ix.deactivateSubtree(sibling)
			}
		}
		ix.byID[node.ID].IsActive = true
	}
	return nil
}

func (ix *index) activeFlags() map[string]bool {
	flags := make(map[string]bool, len(ix.byID))
	for id, msg := range ix.byID {
		flags[id] = msg.IsActive
	}
	return flags
}

// diff lists, in creation order, the ids whose flag changed since before.
func (ix *index) diff(before map[string]bool) (deactivate, activate []string) {
	for _, id := range ix.order {
		now := ix.byID[id].IsActive
		if before[id] == now {
			continue
		}
		if now {
			activate = append(activate, id)
		} else {
			deactivate = append(deactivate, id)
		}
	}
	return deactivate, activate
}

// branchPoints lists every parent with more than one live child, ordered by
// the creation of the group's first child.
func (ix *index) branchPoints(previewRunes int) []BranchInfo {
	out := make([]BranchInfo, 0, 4)
	emitted := make(map[string]struct{})
	for _, id := range ix.order {
		msg := ix.byID[id]
		if msg.Deleted {
			continue
		}
		key := msg.parentKey()
		if _, done := emitted[key]; done {
			continue
		}
		emitted[key] = struct{}{}

		live := ix.liveChildren(key)
		if len(live) < 2 {
			continue
		}

		info := BranchInfo{
			ParentID:    msg.ParentID,
			BranchCount: len(live),
			Branches:    make([]BranchSummary, 0, len(live)),
		}
		for _, child := range live {
			info.Branches = append(info.Branches, BranchSummary{
				ID:        child.ID,
				Role:      child.Role,
				Preview:   preview(child.Content, previewRunes),
				IsActive:  child.IsActive,
				CreatedAt: child.CreatedAt,
			})
		}
		out = append(out, info)
	}
	return out
}

func preview(content string, limit int) string {
	normalized := strings.Join(strings.Fields(content), " ")
	if limit <= 0 || utf8.RuneCountInString(normalized) <= limit {
		return normalized
	}
	return string([]rune(normalized)[:limit]) + "..."
}
