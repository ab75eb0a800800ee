package repository

import (
	"context"
	"errors"
	"time"

	"relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for conversation and membership data operations
type ChatRepository interface {
	CreateConversation(ctx context.Context, title string, isPrivate bool) (*models.Conversation, error)
	CreatePrivateConversation(ctx context.Context, title string, userA, userB uuid.UUID) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int32) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id int32) error
	AddMember(ctx context.Context, conversationID int32, userID uuid.UUID) error
	GetMembers(ctx context.Context, conversationID int32) ([]models.UserConversation, error)
	IsMember(ctx context.Context, conversationID int32, userID uuid.UUID) (bool, error)
	GetUserConversations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Conversation, error)
	GetMessages(ctx context.Context, userID uuid.UUID, conversationID int32, limit int, before *time.Time) ([]*models.Message, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkAsRead(ctx context.Context, conversationID int32, userID uuid.UUID) (bool, error)
	UpdateLatestMessage(ctx context.Context, conversationID int32, messageID int64) error
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateConversation(ctx context.Context, title string, isPrivate bool) (*models.Conversation, error) {
	conv := models.Conversation{Title: title, IsPrivate: isPrivate}
	if err := r.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) CreatePrivateConversation(ctx context.Context, title string, userA, userB uuid.UUID) (*models.Conversation, error) {
	conv := models.Conversation{Title: title, IsPrivate: true}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		for _, userID := range []uuid.UUID{userA, userB} {
			member := models.UserConversation{ConversationID: conv.ID, UserID: userID}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetConversation(ctx context.Context, id int32) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) DeleteConversation(ctx context.Context, id int32) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("conversation_id = ?", id).Delete(&models.UserConversation{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Conversation{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNoRowsAffected
		}
		return nil
	})
}

func (r *chatRepository) AddMember(ctx context.Context, conversationID int32, userID uuid.UUID) error {
	member := models.UserConversation{
		ConversationID: conversationID,
		UserID:         userID,
	}
	// Use OnConflict to silently ignore duplicate key errors
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
}

func (r *chatRepository) GetMembers(ctx context.Context, conversationID int32) ([]models.UserConversation, error) {
	var members []models.UserConversation
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Find(&members).Error
	return members, err
}

func (r *chatRepository) IsMember(ctx context.Context, conversationID int32, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.UserConversation{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN user_conversations uc ON conversations.id = uc.conversation_id").
		Where("uc.user_id = ? AND uc.deleted_at IS NULL", userID).
		Order("conversations.id DESC").
		Limit(limit).
		Offset(offset).
		Find(&conversations).Error
	return conversations, err
}

func (r *chatRepository) GetMessages(ctx context.Context, userID uuid.UUID, conversationID int32, limit int, before *time.Time) ([]*models.Message, error) {
	member, err := r.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotFound
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before != nil {
		query = query.Where("sent_at < ?", *before)
	}

	var messages []*models.Message
	err = query.Order("sent_at DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched DESC to get the latest page, but clients expect chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *chatRepository) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN user_conversations uc ON uc.conversation_id = messages.conversation_id").
		Where("uc.user_id = ? AND uc.deleted_at IS NULL AND messages.is_read = ? AND messages.sender_id <> ?",
			userID, false, userID).
		Count(&count).Error
	return count, err
}

func (r *chatRepository) MarkAsRead(ctx context.Context, conversationID int32, userID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, userID, false).
		Update("is_read", true)
	return result.RowsAffected > 0, result.Error
}

func (r *chatRepository) UpdateLatestMessage(ctx context.Context, conversationID int32, messageID int64) error {
	return r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("latest_message_id", messageID).Error
}
