package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MailSettingsRepository interface {
	GetByOrganization(ctx context.Context, organizationID string) (*domain.MailSettings, error)
	Upsert(ctx context.Context, s *domain.MailSettings) error
}

type GormMailSettingsRepo struct {
	db *gorm.DB
}

func NewGormMailSettingsRepo(db *gorm.DB) *GormMailSettingsRepo {
	return &GormMailSettingsRepo{db: db}
}

func (r *GormMailSettingsRepo) GetByOrganization(ctx context.Context, organizationID string) (*domain.MailSettings, error) {
	var model MailSettingsModel
	err := r.db.WithContext(ctx).First(&model, "organization_id = ?", organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mailSettingsModelToDomain(&model), nil
}

func (r *GormMailSettingsRepo) Upsert(ctx context.Context, s *domain.MailSettings) error {
	model := mailSettingsModelFromDomain(s)
	if model == nil {
		return domain.ErrNotFound
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return err
	}
	*s = *mailSettingsModelToDomain(model)
	return nil
}
