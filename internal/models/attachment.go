package models

import "time"

// Attachment is an uploaded media object, linked to a message once the
// media envelope is published.
type Attachment struct {
	ID             int32     `gorm:"primaryKey" json:"id"`
	MessageID      *int64    `gorm:"index" json:"message_id,omitempty"`
	ConversationID *int32    `gorm:"index" json:"conversation_id,omitempty"`
	URL            string    `gorm:"not null" json:"url"`
	Size           int32     `gorm:"not null" json:"size"`
	Type           string    `gorm:"not null" json:"type"`
	CreatedAt      time.Time `json:"created"`
}
