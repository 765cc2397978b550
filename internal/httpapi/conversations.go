package httpapi

import (
	"net/http"
	"strings"

	"branchchat/backend/internal/tree"

	"github.com/go-chi/chi/v5"
)

type conversationRequest struct {
	Title string `json:"title"`
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	conversations, err := h.conversations.List(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req conversationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	created, err := h.conversations.Create(r.Context(), user.ID, req.Title)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": created})
}

func (h Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	found, err := h.conversations.Get(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": found})
}

func (h Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	renamed, err := h.conversations.Rename(r.Context(), user.ID, chi.URLParam(r, "id"), req.Title)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": renamed})
}

func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.conversations.Delete(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) DeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	deleted, err := h.conversations.DeleteAll(r.Context(), user.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

// ActiveThread returns the currently selected root-to-leaf path.
func (h Handler) ActiveThread(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.authorizedConversation(w, r)
	if !ok {
		return
	}

	thread, err := h.tree.FindActiveConversationThread(r.Context(), conversationID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": thread})
}

func (h Handler) ConversationTree(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.authorizedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := h.tree.FindConversationTree(r.Context(), conversationID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h Handler) ConversationBranches(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.authorizedConversation(w, r)
	if !ok {
		return
	}

	branches, err := h.tree.GetConversationBranches(r.Context(), conversationID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

type sendMessageRequest struct {
	Content  string  `json:"content"`
	Role     string  `json:"role"`
	ParentID *string `json:"parentId"`
	ModelID  string  `json:"modelId"`
	Reply    bool    `json:"reply"`
}

// SendMessage appends to the active thread, or branches under parentId
// when given. With reply set, an assistant answer is generated under the
// new message.
func (h Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	conversationID, ok := h.authorizedConversation(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	role := tree.RoleUser
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := tree.ParseRole(req.Role)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		role = parsed
	}

	in := tree.NewMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        req.Content,
	}

	var (
		created tree.Message
		err     error
	)
	if req.ParentID != nil && strings.TrimSpace(*req.ParentID) != "" {
		parentConversation, err := h.conversations.AuthorizeMessage(r.Context(), user.ID, *req.ParentID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if parentConversation != conversationID {
			writeError(w, http.StatusBadRequest, "invalid_request", "parent message belongs to another conversation")
			return
		}
		parentID := strings.TrimSpace(*req.ParentID)
		in.ParentID = &parentID
		created, err = h.tree.CreateMessage(r.Context(), in)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	} else {
		created, err = h.tree.AppendMessage(r.Context(), in)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	response := map[string]any{"message": created}
	if req.Reply {
		reply, err := h.generateReply(r.Context(), replyRequest{
			conversationID: conversationID,
			parentID:       created.ID,
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

// authorizedConversation resolves {id} as a conversation owned by the
// session user.
func (h Handler) authorizedConversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return "", false
	}
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation id is required")
		return "", false
	}
	if err := h.conversations.Authorize(r.Context(), user.ID, conversationID); err != nil {
		h.writeDomainError(w, r, err)
		return "", false
	}
	return conversationID, true
}
