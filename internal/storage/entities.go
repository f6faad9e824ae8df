package storage

import (
	"time"

	"github.com/google/uuid"
)

// User is reference data owned by the identity provider. The core only
// reads it for enrichment.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

type Conversation struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConversationView is a Conversation joined with its participant users.
// Produced by the store for reading, never written back as a whole.
type ConversationView struct {
	Conversation
	Participants []User `json:"participants"`
}

// Message is the stored row. CreatedAt is server-assigned and authoritative
// for ordering.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// MessageView is a Message joined with its sender identity.
type MessageView struct {
	Message
	Sender User `json:"sender"`
}
