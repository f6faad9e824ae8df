package testing

import (
	"time"

	"github.com/google/uuid"

	"messenger/internal/storage"
)

// NewMessage builds an enriched message row for fixtures.
func NewMessage(conversationID, senderID uuid.UUID, content string, createdAt time.Time) storage.MessageView {
	return storage.MessageView{
		Message: storage.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      createdAt,
		},
		Sender: storage.User{
			ID:       senderID,
			Username: RandString(),
		},
	}
}

// MessageIDs projects the id sequence of a message list, preserving order.
func MessageIDs(messages []storage.MessageView) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
