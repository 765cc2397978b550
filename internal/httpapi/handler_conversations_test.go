package httpapi

import (
	"context"
	"net/http"
	"testing"

	"branchchat/backend/internal/conversation"
	"branchchat/backend/internal/session"
	"branchchat/backend/internal/tree"
)

func TestCreateAndListConversations(t *testing.T) {
	handler, db := newTestHandler(t, nil)
	user := session.User{ID: "user-1"}
	seedUser(t, db, user.ID, "user1@example.com")

	createResp := serve(t, handler.CreateConversation, http.MethodPost, "/v1/conversations", "", `{"title":"  First   Chat  "}`, user)
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, createResp.Code, createResp.Body.String())
	}

	var created struct {
		Conversation conversation.Conversation `json:"conversation"`
	}
	decodeJSONBody(t, createResp, &created)
	if created.Conversation.Title != "First Chat" {
		t.Fatalf("unexpected normalized title: %q", created.Conversation.Title)
	}
	if created.Conversation.ID == "" {
		t.Fatal("expected conversation id to be set")
	}

	listResp := serve(t, handler.ListConversations, http.MethodGet, "/v1/conversations", "", "", user)
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, listResp.Code)
	}

	var listed struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	decodeJSONBody(t, listResp, &listed)
	if len(listed.Conversations) != 1 || listed.Conversations[0].ID != created.Conversation.ID {
		t.Fatalf("unexpected conversations: %+v", listed.Conversations)
	}
}

func TestCreateConversationWithoutBodyUsesDefaultTitle(t *testing.T) {
	handler, db := newTestHandler(t, nil)
	user := session.User{ID: "user-1"}
	seedUser(t, db, user.ID, "user1@example.com")

	resp := serve(t, handler.CreateConversation, http.MethodPost, "/v1/conversations", "", "", user)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusCreated, resp.Code, resp.Body.String())
	}

	var created struct {
		Conversation conversation.Conversation `json:"conversation"`
	}
	decodeJSONBody(t, resp, &created)
	if created.Conversation.Title != conversation.DefaultTitle {
		t.Fatalf("unexpected title: %q", created.Conversation.Title)
	}
}

func TestConversationLifecycleRenameAndDelete(t *testing.T) {
	handler, db := newTestHandler(t, nil)
	user := session.User{ID: "user-1"}
	seedUser(t, db, user.ID, "user1@example.com")

	created, err := handler.conversations.Create(context.Background(), user.ID, "Lifecycle Chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := handler.tree.AppendMessage(context.Background(), tree.NewMessage{ConversationID: created.ID, Role: tree.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	renameResp := serve(t, handler.RenameConversation, http.MethodPatch, "/v1/conversations/"+created.ID, created.ID, `{"title":"Renamed"}`, user)
	if renameResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, renameResp.Code, renameResp.Body.String())
	}

	getResp := serve(t, handler.GetConversation, http.MethodGet, "/v1/conversations/"+created.ID, created.ID, "", user)
	var fetched struct {
		Conversation conversation.Conversation `json:"conversation"`
	}
	decodeJSONBody(t, getResp, &fetched)
	if fetched.Conversation.Title != "Renamed" {
		t.Fatalf("expected renamed title, got %q", fetched.Conversation.Title)
	}

	deleteResp := serve(t, handler.DeleteConversation, http.MethodDelete, "/v1/conversations/"+created.ID, created.ID, "", user)
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, deleteResp.Code, deleteResp.Body.String())
	}
	var deletePayload struct {
		Success bool `json:"success"`
	}
	decodeJSONBody(t, deleteResp, &deletePayload)
	if !deletePayload.Success {
		t.Fatalf("expected success=true, got %+v", deletePayload)
	}

	var messageCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?;`, created.ID).Scan(&messageCount); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if messageCount != 0 {
		t.Fatalf("expected messages to be removed with the conversation, got %d", messageCount)
	}

	afterResp := serve(t, handler.ActiveThread, http.MethodGet, "/v1/conversations/"+created.ID+"/messages", created.ID, "", user)
	if afterResp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, afterResp.Code)
	}
}

func TestDeleteAllConversationsScopedByUser(t *testing.T) {
	handler, db := newTestHandler(t, nil)
	user1 := session.User{ID: "user-1"}
	user2 := session.User{ID: "user-2"}
	seedUser(t, db, user1.ID, "user1@example.com")
	seedUser(t, db, user2.ID, "user2@example.com")

	for _, title := range []string{"U1 Chat A", "U1 Chat B"} {
		if _, err := handler.conversations.Create(context.Background(), user1.ID, title); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
	}
	if _, err := handler.conversations.Create(context.Background(), user2.ID, "U2 Chat"); err != nil {
		t.Fatalf("create other conversation: %v", err)
	}

	resp := serve(t, handler.DeleteAllConversations, http.MethodDelete, "/v1/conversations", "", "", user1)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	var payload struct {
		Deleted int `json:"deleted"`
	}
	decodeJSONBody(t, resp, &payload)
	if payload.Deleted != 2 {
		t.Fatalf("expected 2 deleted conversations, got %d", payload.Deleted)
	}

	var remaining int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?;`, user2.ID).Scan(&remaining); err != nil {
		t.Fatalf("count user2 conversations: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected user2 conversation to be kept, got %d", remaining)
	}
}

func TestConversationOwnershipReturnsForbiddenAndNotFound(t *testing.T) {
	handler, db := newTestHandler(t, nil)
	owner := session.User{ID: "owner"}
	other := session.User{ID: "other"}
	seedUser(t, db, owner.ID, "owner@example.com")
	seedUser(t, db, other.ID, "other@example.com")

	created, err := handler.conversations.Create(context.Background(), owner.ID, "Private")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	forbidden := serve(t, handler.ActiveThread, http.MethodGet, "/v1/conversations/"+created.ID+"/messages", created.ID, "", other)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusForbidden, forbidden.Code, forbidden.Body.String())
	}

	deleteResp := serve(t, handler.DeleteConversation, http.MethodDelete, "/v1/conversations/"+created.ID, created.ID, "", other)
	if deleteResp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, deleteResp.Code)
	}

	missing := serve(t, handler.ConversationTree, http.MethodGet, "/v1/conversations/missing/tree", "missing", "", owner)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, missing.Code)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?;`, created.ID).Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected conversation to remain, got %d", count)
	}
}
