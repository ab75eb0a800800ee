package repository

import (
	"context"
	"errors"

	"relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferencesRepository defines the interface for user notification preferences
type PreferencesRepository interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*models.UserPreferences, error)
	UpsertPreferences(ctx context.Context, prefs *models.UserPreferences) error
	GetDeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	AddDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
	RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
}

type preferencesRepository struct {
	db *gorm.DB
}

// NewPreferencesRepository creates a new preferences repository
func NewPreferencesRepository(db *gorm.DB) PreferencesRepository {
	return &preferencesRepository{db: db}
}

func (r *preferencesRepository) GetPreferences(ctx context.Context, userID uuid.UUID) (*models.UserPreferences, error) {
	var prefs models.UserPreferences
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&prefs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (r *preferencesRepository) UpsertPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(prefs).Error
}

func (r *preferencesRepository) GetDeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).Model(&models.UserDeviceToken{}).
		Where("user_id = ?", userID).
		Pluck("token", &tokens).Error
	return tokens, err
}

func (r *preferencesRepository) AddDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	record := models.UserDeviceToken{UserID: userID, Token: token}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (r *preferencesRepository) RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&models.UserDeviceToken{}).Error
}
