package models

import (
	"time"

	"github.com/google/uuid"
)

// Message kinds carried over the chat wire protocol.
const (
	MessageKindText  = "message"
	MessageKindMedia = "media"
)

// Message is the authoritative persisted form of a chat message.
// Content is nil for media envelopes; attachments link back via MessageID.
type Message struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	ConversationID int32     `gorm:"not null;index" json:"conversation_id"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null" json:"sender_id"`
	Content        *string   `gorm:"type:text" json:"content,omitempty"`
	Type           string    `gorm:"not null;default:message" json:"type"`
	SentAt         time.Time `gorm:"not null;index" json:"sent_at"`
	IsRead         bool      `gorm:"not null;default:false" json:"is_read"`
}
