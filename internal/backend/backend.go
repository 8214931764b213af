package backend

import (
	"context"
	"encoding/json"

	"github.com/rferraz/syncline/internal/model"
)

// Entity tags the collection a push event belongs to.
type Entity string

const (
	EntityConversation Entity = "conversation"
	EntityMessage      Entity = "message"
	EntityGroup        Entity = "group"
)

// Op is the mutation kind carried by a push event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PushEvent is a tagged realtime event delivered on the push channel,
// scoped to the current user's conversations and groups. ServerTS is the
// server-side mutation time; merge rules compare it against the cached
// entry, never arrival order.
type PushEvent struct {
	Entity   Entity          `json:"entity"`
	Op       Op              `json:"op"`
	Payload  json.RawMessage `json:"payload"`
	ServerTS int64           `json:"server_ts"` // unix millis
}

// Message decodes the payload as a message. The zero value is returned
// with ok=false for non-message events or malformed payloads.
func (e PushEvent) Message() (model.Message, bool) {
	if e.Entity != EntityMessage {
		return model.Message{}, false
	}
	var m model.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return model.Message{}, false
	}
	return m, true
}

// Conversation decodes the payload as a conversation.
func (e PushEvent) Conversation() (model.Conversation, bool) {
	if e.Entity != EntityConversation {
		return model.Conversation{}, false
	}
	var c model.Conversation
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return model.Conversation{}, false
	}
	return c, true
}

// Group decodes the payload as a group conversation.
func (e PushEvent) Group() (model.GroupConversation, bool) {
	if e.Entity != EntityGroup {
		return model.GroupConversation{}, false
	}
	var g model.GroupConversation
	if err := json.Unmarshal(e.Payload, &g); err != nil {
		return model.GroupConversation{}, false
	}
	return g, true
}

// SendRequest is an outgoing message send.
type SendRequest struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Type           model.MessageType `json:"type"`
	Nonce          string            `json:"nonce"`
}

// ResyncResult is the state returned after a push-channel drop:
// everything that may have changed while the channel was down.
type ResyncResult struct {
	Conversations []model.Conversation      `json:"conversations"`
	Groups        []model.GroupConversation `json:"groups"`
	Messages      []model.Message           `json:"messages"`
	Cursor        string                    `json:"cursor"`
}

// Client is the remote store this core synchronizes against. Errors
// returned by every method are *Error with a classified Kind.
type Client interface {
	FetchProfile(ctx context.Context) (model.Profile, error)
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	FetchGroups(ctx context.Context) ([]model.GroupConversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, req SendRequest) (model.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	Resync(ctx context.Context, cursor string) (ResyncResult, error)
}
