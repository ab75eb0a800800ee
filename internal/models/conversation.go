// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation represents a durable group of chat participants.
type Conversation struct {
	ID              int32     `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"not null" json:"title"`
	IsPrivate       bool      `gorm:"not null;default:false" json:"is_private"`
	LatestMessageID *int64    `gorm:"index" json:"latest_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// UserConversation is a membership row linking a user to a conversation.
// Removal is a soft delete so message history keeps its sender context.
type UserConversation struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	ConversationID int32          `gorm:"not null;index:idx_conv_user" json:"conversation_id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_conv_user" json:"user_id"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
