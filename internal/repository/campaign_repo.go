package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

type CampaignListParams struct {
	OrganizationID string
	Status         *domain.CampaignStatus
	Page           int
	PageSize       int
}

type CampaignRepository interface {
	Create(ctx context.Context, c *domain.Campaign) error
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, params CampaignListParams) ([]domain.Campaign, int64, error)
	ListActive(ctx context.Context) ([]domain.Campaign, error)
	Update(ctx context.Context, c *domain.Campaign) error
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
	UpdateAggregates(ctx context.Context, id string, totals domain.CampaignTotals) error
}

type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

func (r *GormCampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	model := campaignModelFromDomain(c)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if c != nil {
		*c = *campaignModelToDomain(model)
	}
	return nil
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

func (r *GormCampaignRepo) List(ctx context.Context, params CampaignListParams) ([]domain.Campaign, int64, error) {
	query := r.db.WithContext(ctx).Model(&CampaignModel{})

	if params.OrganizationID != "" {
		query = query.Where("organization_id = ?", params.OrganizationID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []CampaignModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, *campaignModelToDomain(&models[i]))
	}

	return campaigns, total, nil
}

// ListActive returns every campaign a processing cycle should look at.
func (r *GormCampaignRepo) ListActive(ctx context.Context) ([]domain.Campaign, error) {
	var models []CampaignModel
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.CampaignStatus{domain.CampaignStatusQueued, domain.CampaignStatusSending}).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, *campaignModelToDomain(&models[i]))
	}
	return campaigns, nil
}

// Update persists the editable campaign fields. Status and counters are
// owned by TransitionStatus and UpdateAggregates.
func (r *GormCampaignRepo) Update(ctx context.Context, c *domain.Campaign) error {
	if c == nil {
		return domain.ErrNotFound
	}

	model := campaignModelFromDomain(c)
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"name":              model.Name,
			"subject":           model.Subject,
			"body":              model.Body,
			"use_table_data":    model.UseTableData,
			"manual_recipients": model.ManualRecipients,
			"send_type":         model.SendType,
			"scheduled_at":      model.ScheduledAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TransitionStatus moves the campaign to status `to` only if it currently
// holds one of `from`. It reports whether this call performed the change.
func (r *GormCampaignRepo) TransitionStatus(
	ctx context.Context,
	id string,
	from []domain.CampaignStatus,
	to domain.CampaignStatus,
) (bool, error) {
	updates := map[string]any{"status": to}
	if to == domain.CampaignStatusCompleted {
		updates["completed_at"] = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormCampaignRepo) UpdateAggregates(ctx context.Context, id string, totals domain.CampaignTotals) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_emails":  totals.Total,
			"sent_emails":   totals.Sent,
			"failed_emails": totals.Failed,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
