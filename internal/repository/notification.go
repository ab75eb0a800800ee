package repository

import (
	"context"
	"time"

	"relay/internal/models"

	"gorm.io/gorm"
)

// NotificationRepository defines the interface for notification delivery records
type NotificationRepository interface {
	// CreateWithRecipients inserts the notification and one pending
	// UserNotification per recipient in a single transaction, returning
	// recipient -> user_notification id.
	CreateWithRecipients(ctx context.Context, n *models.Notification, recipients []string) (map[string]int64, error)
	// UpdateStatusByIDs finalizes pending rows only; rows already sent or
	// failed are left untouched and matching nothing is not an error.
	UpdateStatusByIDs(ctx context.Context, ids []int64, status string, deliveredAt *time.Time) error
	// UpdateStatusByRecipient finalizes a pending row resolved by
	// (recipient, notification id), with the same pending-only rule.
	UpdateStatusByRecipient(ctx context.Context, recipient string, notificationID int64, status string, deliveredAt *time.Time) error
	GetUserNotification(ctx context.Context, id int64) (*models.UserNotification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) CreateWithRecipients(ctx context.Context, n *models.Notification, recipients []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(recipients))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(n).Error; err != nil {
			return err
		}
		for _, recipient := range recipients {
			un := models.UserNotification{
				Recipient:      recipient,
				NotificationID: n.ID,
				Status:         models.StatusPending,
			}
			if err := tx.Create(&un).Error; err != nil {
				return err
			}
			ids[recipient] = un.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *notificationRepository) UpdateStatusByIDs(ctx context.Context, ids []int64, status string, deliveredAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	updates := map[string]interface{}{"status": status}
	if deliveredAt != nil {
		updates["delivered_at"] = *deliveredAt
	}
	// Guarding on pending keeps finalized statuses final: out-of-order
	// provider events or a replayed retry job must not flip a sent row.
	result := r.db.WithContext(ctx).Model(&models.UserNotification{}).
		Where("id IN ? AND status = ?", ids, models.StatusPending).
		Updates(updates)
	return result.Error
}

func (r *notificationRepository) UpdateStatusByRecipient(ctx context.Context, recipient string, notificationID int64, status string, deliveredAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if deliveredAt != nil {
		updates["delivered_at"] = *deliveredAt
	}
	result := r.db.WithContext(ctx).Model(&models.UserNotification{}).
		Where("recipient = ? AND notification_id = ? AND status = ?", recipient, notificationID, models.StatusPending).
		Updates(updates)
	return result.Error
}

func (r *notificationRepository) GetUserNotification(ctx context.Context, id int64) (*models.UserNotification, error) {
	var un models.UserNotification
	err := r.db.WithContext(ctx).First(&un, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &un, nil
}
