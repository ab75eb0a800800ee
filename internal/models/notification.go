package models

import "time"

// Notification delivery channels.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// UserNotification statuses. Transitions are monotone:
// pending -> sent or pending -> failed.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification is written once per dispatched send, after template expansion.
type Notification struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	TemplateID *int32    `gorm:"index" json:"template_id,omitempty"`
	Title      string    `gorm:"not null" json:"title"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Channel    string    `gorm:"not null" json:"channel"`
	CreatedAt  time.Time `json:"created"`
	UpdatedAt  time.Time `json:"updated"`
}

// UserNotification tracks delivery state for one recipient of a notification.
// Recipient is a device token for push and an email address for email.
type UserNotification struct {
	ID             int64      `gorm:"primaryKey" json:"id"`
	Recipient      string     `gorm:"not null;index:idx_recipient_notification" json:"recipient"`
	NotificationID int64      `gorm:"not null;index:idx_recipient_notification" json:"notification_id"`
	Status         string     `gorm:"not null;default:pending" json:"status"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}
