package httpapi

import (
	"context"
	"fmt"
	"strings"

	"branchchat/backend/internal/openrouter"
	"branchchat/backend/internal/tree"
)

type completer interface {
	Complete(ctx context.Context, req openrouter.StreamRequest) (openrouter.Completion, error)
}

// replyRequest describes an assistant turn to generate under parent.
type replyRequest struct {
	conversationID string
	parentID       string
	modelID        string
	metadata       map[string]any
}

// generateReply sends the structural thread ending at parentID to the
// provider and stores the answer as the new active child of parentID.
func (h Handler) generateReply(ctx context.Context, in replyRequest) (tree.Message, error) {
	if h.completer == nil {
		return tree.Message{}, openrouter.ErrMissingAPIKey
	}

	history, err := h.tree.FindConversationThread(ctx, in.parentID)
	if err != nil {
		return tree.Message{}, err
	}
	if len(history) == 0 {
		return tree.Message{}, fmt.Errorf("%w: nothing to reply to", tree.ErrInvalidInput)
	}

	timeout := h.cfg.CompletionTimeout
	completionCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		completionCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	completion, err := h.completer.Complete(completionCtx, openrouter.StreamRequest{
		Model:    resolveModel(in.modelID, h.cfg.OpenRouterDefaultModel),
		Messages: providerMessages(history),
	})
	if err != nil {
		h.log.Warn().
			Err(err).
			Str("conversation_id", in.conversationID).
			Str("parent_id", in.parentID).
			Msg("completion failed")
		return tree.Message{}, err
	}

	metadata := make(map[string]any, len(in.metadata)+1)
	for k, v := range in.metadata {
		metadata[k] = v
	}
	var tokens *int
	if completion.Usage != nil {
		total := completion.Usage.TotalTokens
		tokens = &total
		metadata["usage"] = completion.Usage
	}

	parentID := in.parentID
	return h.tree.CreateMessage(ctx, tree.NewMessage{
		ConversationID: in.conversationID,
		ParentID:       &parentID,
		Role:           tree.RoleAssistant,
		Content:        completion.Content,
		ModelID:        completion.Model,
		TokensUsed:     tokens,
		Metadata:       metadata,
	})
}

// providerMessages drops soft-deleted turns; the thread itself is kept in
// order.
func providerMessages(thread []tree.Message) []openrouter.Message {
	out := make([]openrouter.Message, 0, len(thread))
	for _, msg := range thread {
		if msg.Deleted {
			continue
		}
		out = append(out, openrouter.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func resolveModel(requested, fallback string) string {
	if model := strings.TrimSpace(requested); model != "" {
		return model
	}
	return strings.TrimSpace(fallback)
}
