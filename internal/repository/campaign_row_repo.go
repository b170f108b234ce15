package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultClaimLimit = 100

type RowListParams struct {
	Status   *domain.RowStatus
	Page     int
	PageSize int
}

type StatusCount struct {
	Status domain.RowStatus `gorm:"column:status"`
	Count  int64            `gorm:"column:count"`
}

// DeliveryDrift is a row linked to a delivery whose terminal outcome the row
// has not picked up yet.
type DeliveryDrift struct {
	RowID          string                `gorm:"column:row_id"`
	RowStatus      domain.RowStatus      `gorm:"column:row_status"`
	DeliveryStatus domain.DeliveryStatus `gorm:"column:delivery_status"`
}

type CampaignRowRepository interface {
	CreateBatch(ctx context.Context, rows []*domain.CampaignRow) error
	GetByID(ctx context.Context, id string) (*domain.CampaignRow, error)
	List(ctx context.Context, campaignID string, params RowListParams) ([]domain.CampaignRow, int64, error)
	CountByStatus(ctx context.Context, campaignID string) (map[domain.RowStatus]int64, error)
	DeleteUnattempted(ctx context.Context, campaignID string) (int64, error)
	ListAttemptedRecipients(ctx context.Context, campaignID string) ([]string, error)
	PromoteDrafts(ctx context.Context, campaignID string, at time.Time) (int64, error)
	ReschedulePending(ctx context.Context, campaignID string, at time.Time) (int64, error)

	ClaimPending(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.CampaignRow, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, deliveryID string) error
	MarkFailed(ctx context.Context, id string, deliveryID *string, reason string) error
	ReleaseClaimed(ctx context.Context, ids []string, at time.Time) (int64, error)
	RescheduleRetry(ctx context.Context, id string, at time.Time, deliveryID *string, reason string) error
	ReleaseStale(ctx context.Context, campaignID string, cutoff time.Time, at time.Time) (int64, error)

	ListDeliveryDrift(ctx context.Context, campaignID string) ([]DeliveryDrift, error)
	ApplyDeliveryStatus(ctx context.Context, id string, status domain.RowStatus) (bool, error)
	FindUnlinkedByRecipient(ctx context.Context, campaignID string, recipient string) (*domain.CampaignRow, error)
	LinkDelivery(ctx context.Context, id string, deliveryID string, status domain.RowStatus) (bool, error)
}

type GormCampaignRowRepo struct {
	db *gorm.DB
}

func NewGormCampaignRowRepo(db *gorm.DB) *GormCampaignRowRepo {
	return &GormCampaignRowRepo{db: db}
}

var (
	terminalRowStatuses = []domain.RowStatus{domain.RowStatusSent, domain.RowStatusFailed}
	claimedRowStatuses  = []domain.RowStatus{domain.RowStatusQueued, domain.RowStatusSending}
)

func (r *GormCampaignRowRepo) CreateBatch(ctx context.Context, rows []*domain.CampaignRow) error {
	models := make([]CampaignRowModel, 0, len(rows))
	modelIndexes := make([]int, 0, len(rows))
	for i, row := range rows {
		model := rowModelFromDomain(row)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		if idx < len(rows) && rows[idx] != nil {
			*rows[idx] = *rowModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormCampaignRowRepo) GetByID(ctx context.Context, id string) (*domain.CampaignRow, error) {
	var model CampaignRowModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowModelToDomain(&model), nil
}

func (r *GormCampaignRowRepo) List(ctx context.Context, campaignID string, params RowListParams) ([]domain.CampaignRow, int64, error) {
	query := r.db.WithContext(ctx).Model(&CampaignRowModel{}).Where("campaign_id = ?", campaignID)

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
	pageSize = min(pageSize, 500)

	var models []CampaignRowModel
	err := query.
		Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return rowModelsToDomain(models), total, nil
}

func (r *GormCampaignRowRepo) CountByStatus(ctx context.Context, campaignID string) (map[domain.RowStatus]int64, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	result := make(map[domain.RowStatus]int64, len(counts))
	for _, c := range counts {
		result[c.Status] = c.Count
	}
	return result, nil
}

// DeleteUnattempted removes rows that have never been handed to the sender.
func (r *GormCampaignRowRepo) DeleteUnattempted(ctx context.Context, campaignID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ? AND delivery_id IS NULL AND attempt_count = 0",
			campaignID, []domain.RowStatus{domain.RowStatusDraft, domain.RowStatusPending}).
		Delete(&CampaignRowModel{})
	return result.RowsAffected, result.Error
}

// ListAttemptedRecipients returns the recipient of every row that
// DeleteUnattempted keeps, one entry per row.
func (r *GormCampaignRowRepo) ListAttemptedRecipients(ctx context.Context, campaignID string) ([]string, error) {
	var recipients []string
	err := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("campaign_id = ?", campaignID).
		Where("NOT (status IN ? AND delivery_id IS NULL AND attempt_count = 0)",
			[]domain.RowStatus{domain.RowStatusDraft, domain.RowStatusPending}).
		Order("created_at ASC, id ASC").
		Pluck("recipient", &recipients).Error
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

func (r *GormCampaignRowRepo) PromoteDrafts(ctx context.Context, campaignID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("campaign_id = ? AND status = ?", campaignID, domain.RowStatusDraft).
		Updates(map[string]any{
			"status":            domain.RowStatusPending,
			"scheduled_send_at": at.UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *GormCampaignRowRepo) ReschedulePending(ctx context.Context, campaignID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("campaign_id = ? AND status = ?", campaignID, domain.RowStatusPending).
		Update("scheduled_send_at", at.UTC())
	return result.RowsAffected, result.Error
}

// ClaimPending moves up to limit due pending rows to queued and returns them.
// Rows are locked with SKIP LOCKED where the engine supports it; the claim
// token re-check keeps concurrent claims disjoint everywhere else.
func (r *GormCampaignRowRepo) ClaimPending(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.CampaignRow, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}

	token := uuid.NewString()
	claimedAt := now.UTC()

	var models []CampaignRowModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&CampaignRowModel{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("campaign_id = ? AND status = ? AND scheduled_send_at <= ?", campaignID, domain.RowStatusPending, claimedAt).
			Order("scheduled_send_at ASC, created_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		err = tx.Model(&CampaignRowModel{}).
			Where("id IN ? AND status = ?", ids, domain.RowStatusPending).
			Updates(map[string]any{
				"status":     domain.RowStatusQueued,
				"claimed_by": token,
				"claimed_at": claimedAt,
			}).Error
		if err != nil {
			return err
		}

		return tx.
			Where("claimed_by = ? AND status = ?", token, domain.RowStatusQueued).
			Order("scheduled_send_at ASC, created_at ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, err
	}

	return rowModelsToDomain(models), nil
}

// MarkSending reports false when the row is no longer queued for this claimer.
func (r *GormCampaignRowRepo) MarkSending(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id = ? AND status = ?", id, domain.RowStatusQueued).
		Update("status", domain.RowStatusSending)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormCampaignRowRepo) MarkSent(ctx context.Context, id string, deliveryID string) error {
	return r.finish(ctx, id, map[string]any{
		"status":        domain.RowStatusSent,
		"delivery_id":   deliveryID,
		"last_error":    nil,
		"attempt_count": gorm.Expr("attempt_count + 1"),
	})
}

func (r *GormCampaignRowRepo) MarkFailed(ctx context.Context, id string, deliveryID *string, reason string) error {
	updates := map[string]any{
		"status":     domain.RowStatusFailed,
		"last_error": reason,
	}
	if deliveryID != nil {
		updates["delivery_id"] = *deliveryID
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}
	return r.finish(ctx, id, updates)
}

func (r *GormCampaignRowRepo) finish(ctx context.Context, id string, updates map[string]any) error {
	updates["claimed_by"] = nil
	updates["claimed_at"] = nil

	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseClaimed returns claimed rows to pending, due at `at`.
func (r *GormCampaignRowRepo) ReleaseClaimed(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id IN ? AND status IN ?", ids, claimedRowStatuses).
		Updates(map[string]any{
			"status":            domain.RowStatusPending,
			"scheduled_send_at": at.UTC(),
			"claimed_by":        nil,
			"claimed_at":        nil,
		})
	return result.RowsAffected, result.Error
}

func (r *GormCampaignRowRepo) RescheduleRetry(ctx context.Context, id string, at time.Time, deliveryID *string, reason string) error {
	updates := map[string]any{
		"status":            domain.RowStatusPending,
		"scheduled_send_at": at.UTC(),
		"attempt_count":     gorm.Expr("attempt_count + 1"),
		"last_error":        reason,
		"claimed_by":        nil,
		"claimed_at":        nil,
	}
	if deliveryID != nil {
		updates["delivery_id"] = *deliveryID
	}

	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id = ? AND status IN ?", id, claimedRowStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ReleaseStale recovers rows left claimed by a cycle that never finished.
func (r *GormCampaignRowRepo) ReleaseStale(ctx context.Context, campaignID string, cutoff time.Time, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("campaign_id = ? AND status IN ? AND claimed_at < ?", campaignID, claimedRowStatuses, cutoff.UTC()).
		Updates(map[string]any{
			"status":            domain.RowStatusPending,
			"scheduled_send_at": at.UTC(),
			"claimed_by":        nil,
			"claimed_at":        nil,
		})
	return result.RowsAffected, result.Error
}

func (r *GormCampaignRowRepo) ListDeliveryDrift(ctx context.Context, campaignID string) ([]DeliveryDrift, error) {
	var drift []DeliveryDrift
	err := r.db.WithContext(ctx).
		Table("campaign_rows AS r").
		Select("r.id AS row_id, r.status AS row_status, d.status AS delivery_status").
		Joins("JOIN email_deliveries AS d ON d.id = r.delivery_id").
		Where("r.campaign_id = ? AND r.status NOT IN ? AND d.status IN ?",
			campaignID,
			terminalRowStatuses,
			[]domain.DeliveryStatus{domain.DeliveryStatusSent, domain.DeliveryStatusFailed}).
		Order("r.created_at ASC").
		Scan(&drift).Error
	if err != nil {
		return nil, err
	}
	return drift, nil
}

// ApplyDeliveryStatus settles a non-terminal row to a terminal status.
func (r *GormCampaignRowRepo) ApplyDeliveryStatus(ctx context.Context, id string, status domain.RowStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalRowStatuses).
		Updates(map[string]any{
			"status":     status,
			"claimed_by": nil,
			"claimed_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindUnlinkedByRecipient returns the oldest row for the address with no
// delivery link, preferring rows that are still open.
func (r *GormCampaignRowRepo) FindUnlinkedByRecipient(ctx context.Context, campaignID string, recipient string) (*domain.CampaignRow, error) {
	var model CampaignRowModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND LOWER(recipient) = ? AND delivery_id IS NULL", campaignID, domain.NormalizeAddress(recipient)).
		Order("CASE WHEN status IN ('sent', 'failed') THEN 1 ELSE 0 END, created_at ASC, id ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowModelToDomain(&model), nil
}

// LinkDelivery attaches a delivery to a row that has none yet.
func (r *GormCampaignRowRepo) LinkDelivery(ctx context.Context, id string, deliveryID string, status domain.RowStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&CampaignRowModel{}).
		Where("id = ? AND delivery_id IS NULL", id).
		Updates(map[string]any{
			"delivery_id": deliveryID,
			"status":      status,
			"claimed_by":  nil,
			"claimed_at":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
