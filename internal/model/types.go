package model

// Profile is a user identity. Referenced, never owned, by conversations
// and messages; only the owning user may change it.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is a direct conversation between two participants.
// OtherUser is a denormalized read-only projection supplied by the backend.
type Conversation struct {
	ID                  string  `json:"id"`
	Participant1ID      string  `json:"participant_1_id"`
	Participant2ID      string  `json:"participant_2_id"`
	LastMessageContent  string  `json:"last_message_content,omitempty"`
	LastMessageTime     int64   `json:"last_message_time,omitempty"` // unix millis
	LastMessageSenderID string  `json:"last_message_sender_id,omitempty"`
	OtherUser           Profile `json:"other_user"`
	UnreadCount         int     `json:"unread_count"`
	IsFavorite          bool    `json:"is_favorite,omitempty"`
	UpdatedAt           int64   `json:"updated_at,omitempty"`
}

// MessageType enumerates message content types.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVideo  MessageType = "video"
	TypeAudio  MessageType = "audio"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Message is a single message in a conversation. Nonce is the
// client-generated correlation id set on outgoing sends; the backend
// echoes it so the canonical message can replace its optimistic entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content,omitempty"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"media_url,omitempty"`
	Status         Status      `json:"status"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	Nonce          string      `json:"nonce,omitempty"`
	Optimistic     bool        `json:"-"`
	CreatedAt      int64       `json:"created_at"` // unix millis
	UpdatedAt      int64       `json:"updated_at"`
}

// OptimisticID returns the temporary local id for a send nonce.
func OptimisticID(nonce string) string {
	return "tmp:" + nonce
}

// Group is a named group of members.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	CreatedBy string `json:"created_by"`
}

// GroupMember is a user's membership in a group.
type GroupMember struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role,omitempty"`
}

// GroupConversation is the chat-list projection of a group.
// Unread accounting mirrors Conversation.
type GroupConversation struct {
	ID                  string `json:"id"`
	Group               Group  `json:"group"`
	LastMessageContent  string `json:"last_message_content,omitempty"`
	LastMessageTime     int64  `json:"last_message_time,omitempty"`
	LastMessageSenderID string `json:"last_message_sender_id,omitempty"`
	UnreadCount         int    `json:"unread_count"`
	UpdatedAt           int64  `json:"updated_at,omitempty"`
}
