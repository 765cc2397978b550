package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"branchchat/backend/internal/tree"

	"github.com/go-chi/chi/v5"
)

// authorizedMessage resolves {id} as a message inside a conversation owned
// by the session user and returns both ids.
func (h Handler) authorizedMessage(w http.ResponseWriter, r *http.Request) (messageID, conversationID string, ok bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return "", "", false
	}
	messageID = strings.TrimSpace(chi.URLParam(r, "id"))
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message id is required")
		return "", "", false
	}
	conversationID, err := h.conversations.AuthorizeMessage(r.Context(), user.ID, messageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return "", "", false
	}
	return messageID, conversationID, true
}

func (h Handler) MessageThread(w http.ResponseWriter, r *http.Request) {
	messageID, _, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	thread, err := h.tree.FindConversationThread(r.Context(), messageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": thread})
}

func (h Handler) MessageBranches(w http.ResponseWriter, r *http.Request) {
	messageID, _, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	siblings, err := h.tree.FindMessageBranches(r.Context(), messageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": siblings})
}

type editMessageRequest struct {
	Content string `json:"content"`
	ModelID string `json:"modelId"`
	Reply   bool   `json:"reply"`
}

// EditMessage stores the new content as a sibling branch; the original is
// kept untouched and deactivated.
func (h Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID, conversationID, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	edited, err := h.tree.EditMessageAndBranch(r.Context(), messageID, req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	response := map[string]any{"message": edited}
	if req.Reply && edited.Role == tree.RoleUser {
		reply, err := h.generateReply(r.Context(), replyRequest{
			conversationID: conversationID,
			parentID:       edited.ID,
			modelID:        req.ModelID,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		response["reply"] = reply
	}
	writeJSON(w, http.StatusCreated, response)
}

func (h Handler) SwitchBranch(w http.ResponseWriter, r *http.Request) {
	messageID, _, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	thread, err := h.tree.SwitchToBranch(r.Context(), messageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": thread})
}

type regenerateRequest struct {
	ModelID string `json:"modelId"`
}

// RegenerateMessage asks the provider again for an assistant message and
// stores the answer as a new sibling of it.
func (h Handler) RegenerateMessage(w http.ResponseWriter, r *http.Request) {
	messageID, conversationID, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	var req regenerateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	thread, err := h.tree.FindConversationThread(r.Context(), messageID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	original := thread[len(thread)-1]
	if original.Deleted {
		h.writeDomainError(w, r, fmt.Errorf("%w: %s is deleted", tree.ErrNotFound, original.ID))
		return
	}
	if original.Role != tree.RoleAssistant || original.ParentID == nil {
		h.writeDomainError(w, r, fmt.Errorf("%w: only assistant replies can be regenerated", tree.ErrInvalidInput))
		return
	}

	modelID := req.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = original.ModelID
	}

	reply, err := h.generateReply(r.Context(), replyRequest{
		conversationID: conversationID,
		parentID:       *original.ParentID,
		modelID:        modelID,
		metadata:       map[string]any{"regeneratedFrom": original.ID},
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": reply})
}

func (h Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, _, ok := h.authorizedMessage(w, r)
	if !ok {
		return
	}

	if err := h.tree.DeleteMessage(r.Context(), messageID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
