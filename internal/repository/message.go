package repository

import (
	"context"
	"errors"

	"relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageRepository defines the interface for message and attachment data operations
type MessageRepository interface {
	InsertMessage(ctx context.Context, msg *models.Message) (int64, error)
	FindMessageByID(ctx context.Context, id int64) (*models.Message, error)
	DeleteMessage(ctx context.Context, userID uuid.UUID, messageID int64) error
	CreateAttachment(ctx context.Context, att *models.Attachment) error
	LinkAttachment(ctx context.Context, attachmentID int32, messageID int64) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) InsertMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (r *messageRepository) FindMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message; the sender filter keeps users from deleting
// someone else's messages.
func (r *messageRepository) DeleteMessage(ctx context.Context, userID uuid.UUID, messageID int64) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND sender_id = ?", messageID, userID).
		Delete(&models.Message{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

func (r *messageRepository) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	return r.db.WithContext(ctx).Create(att).Error
}

func (r *messageRepository) LinkAttachment(ctx context.Context, attachmentID int32, messageID int64) error {
	result := r.db.WithContext(ctx).Model(&models.Attachment{}).
		Where("id = ?", attachmentID).
		Update("message_id", messageID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}
