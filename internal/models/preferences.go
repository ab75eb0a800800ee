package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification categories a send request can target. Each category maps to
// its own preferred-channel set on UserPreferences.
const (
	NotificationTypeTransactional = "transactional"
	NotificationTypeSystemAlert   = "system_alert"
	NotificationTypeChat          = "chat"
)

// UserPreferences stores per-user channel opt-ins and the do-not-disturb
// window. DND bounds are times of day ("15:04:05") interpreted in TimeZone.
type UserPreferences struct {
	UserID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	Email                 string    `gorm:"not null" json:"email"`
	TransactionalChannels []string  `gorm:"serializer:json" json:"transactional_channels"`
	SystemAlertChannels   []string  `gorm:"serializer:json" json:"system_alert_channels"`
	ChatChannels          []string  `gorm:"serializer:json" json:"chat_channels"`
	DoNotDisturbStart     *string   `json:"do_not_disturb_start,omitempty"`
	DoNotDisturbEnd       *string   `json:"do_not_disturb_end,omitempty"`
	TimeZone              string    `gorm:"not null;default:UTC" json:"time_zone"`
}

// BeforeSave de-duplicates the channel sets so reads never see repeats.
func (p *UserPreferences) BeforeSave(_ *gorm.DB) error {
	p.TransactionalChannels = dedupe(p.TransactionalChannels)
	p.SystemAlertChannels = dedupe(p.SystemAlertChannels)
	p.ChatChannels = dedupe(p.ChatChannels)
	return nil
}

// ChannelsFor returns the preferred channel set for a notification type.
func (p *UserPreferences) ChannelsFor(notificationType string) []string {
	switch notificationType {
	case NotificationTypeTransactional:
		return p.TransactionalChannels
	case NotificationTypeSystemAlert:
		return p.SystemAlertChannels
	case NotificationTypeChat:
		return p.ChatChannels
	default:
		return nil
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// UserDeviceToken maps a user to one registered push token. A user may hold
// several, one per device.
type UserDeviceToken struct {
	ID     int64     `gorm:"primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Token  string    `gorm:"not null" json:"token"`
}
