package repository

import (
	"context"
	"errors"

	"relay/internal/models"

	"gorm.io/gorm"
)

// TemplateRepository defines the interface for notification template data operations
type TemplateRepository interface {
	GetTemplate(ctx context.Context, id int32) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
	CreateTemplate(ctx context.Context, tmpl *models.Template) error
	ListTemplates(ctx context.Context, limit, offset int) ([]*models.Template, error)
}

type templateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *gorm.DB) TemplateRepository {
	return &templateRepository{db: db}
}

func (r *templateRepository) GetTemplate(ctx context.Context, id int32) (*models.Template, error) {
	var tmpl models.Template
	err := r.db.WithContext(ctx).First(&tmpl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (r *templateRepository) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	var tmpl models.Template
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (r *templateRepository) CreateTemplate(ctx context.Context, tmpl *models.Template) error {
	return r.db.WithContext(ctx).Create(tmpl).Error
}

func (r *templateRepository) ListTemplates(ctx context.Context, limit, offset int) ([]*models.Template, error) {
	var templates []*models.Template
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&templates).Error
	return templates, err
}
