package tree

import "errors"

var (
	ErrNotFound     = errors.New("message not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when the store rejects a second active
	// sibling, which happens when two writers branch the same parent.
	ErrConflict = errors.New("concurrent branch update")
	// ErrInvariantViolation means stored flags break the single active
	// sibling rule.
	ErrInvariantViolation = errors.New("tree invariant violated")
	// ErrCorruptTree covers cycles, dangling parents and ancestor chains
	// longer than the configured depth bound.
	ErrCorruptTree = errors.New("conversation tree is corrupt")
)
