package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.DeliveryRecord) error
	Update(ctx context.Context, d *domain.DeliveryRecord) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	ListUnlinkedTerminal(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

func (r *GormDeliveryRepo) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	model := deliveryModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if d != nil {
		*d = *deliveryModelToDomain(model)
	}
	return nil
}

// Update stores the outcome of another attempt on an existing record.
func (r *GormDeliveryRepo) Update(ctx context.Context, d *domain.DeliveryRecord) error {
	if d == nil {
		return domain.ErrNotFound
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"subject":  d.Subject,
			"body":     d.Body,
			"status":   d.Status,
			"error":    d.Error,
			"attempts": d.Attempts,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	var model DeliveryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

// ListUnlinkedTerminal returns finished deliveries sent for a row of the
// campaign that no row points at yet, oldest first. Deliveries without a row
// key, such as test sends, are never candidates.
func (r *GormDeliveryRepo) ListUnlinkedTerminal(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	var models []DeliveryModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]domain.DeliveryStatus{domain.DeliveryStatusSent, domain.DeliveryStatusFailed}).
		Where("row_key IS NOT NULL AND row_key <> ''").
		Where("NOT EXISTS (SELECT 1 FROM campaign_rows WHERE campaign_rows.delivery_id = email_deliveries.id)").
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.DeliveryRecord, 0, len(models))
	for i := range models {
		records = append(records, *deliveryModelToDomain(&models[i]))
	}
	return records, nil
}
