package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

type ReconcileResult struct {
	// Drift counts linked rows that took their delivery's terminal status.
	Drift int
	// Linked counts terminal deliveries attached to a row that had no link.
	Linked int
}

// Reconciler repairs rows whose state lags behind the delivery records.
// Both passes are idempotent.
type Reconciler struct {
	rows       repository.CampaignRowRepository
	deliveries repository.DeliveryRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewReconciler(
	rows repository.CampaignRowRepository,
	deliveries repository.DeliveryRepository,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{rows: rows, deliveries: deliveries, logger: logger}
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reconciler) Reconcile(ctx context.Context, campaignID string) (ReconcileResult, error) {
	var result ReconcileResult

	drift, err := r.reconcileDrift(ctx, campaignID)
	result.Drift = drift
	r.metrics.AddRowsReconciled("drift", drift)
	if err != nil {
		return result, err
	}

	linked, err := r.linkOrphans(ctx, campaignID)
	result.Linked = linked
	r.metrics.AddRowsReconciled("link", linked)
	if err != nil {
		return result, err
	}

	if result.Drift > 0 || result.Linked > 0 {
		r.logger.Info("campaign rows reconciled",
			zap.String("campaignId", campaignID),
			zap.Int("drift", result.Drift),
			zap.Int("linked", result.Linked),
		)
	}
	return result, nil
}

func (r *Reconciler) reconcileDrift(ctx context.Context, campaignID string) (int, error) {
	drifted, err := r.rows.ListDeliveryDrift(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list delivery drift: %w", err)
	}

	applied := 0
	for _, d := range drifted {
		status, ok := d.DeliveryStatus.RowStatus()
		if !ok {
			continue
		}
		changed, err := r.rows.ApplyDeliveryStatus(ctx, d.RowID, status)
		if err != nil {
			return applied, fmt.Errorf("failed to apply delivery status to row %s: %w", d.RowID, err)
		}
		if changed {
			applied++
		}
	}
	return applied, nil
}

func (r *Reconciler) linkOrphans(ctx context.Context, campaignID string) (int, error) {
	orphans, err := r.deliveries.ListUnlinkedTerminal(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list unlinked deliveries: %w", err)
	}

	linked := 0
	for i := range orphans {
		delivery := &orphans[i]
		status, ok := delivery.Status.RowStatus()
		if !ok {
			continue
		}

		row, err := r.matchRow(ctx, campaignID, delivery)
		if err != nil {
			return linked, err
		}
		if row == nil {
			r.logger.Debug("no row matches unlinked delivery",
				zap.String("campaignId", campaignID),
				zap.String("deliveryId", delivery.ID),
			)
			continue
		}

		ok, err = r.rows.LinkDelivery(ctx, row.ID, delivery.ID, status)
		if err != nil {
			return linked, fmt.Errorf("failed to link delivery %s: %w", delivery.ID, err)
		}
		if ok {
			linked++
		}
	}
	return linked, nil
}

// matchRow returns the row the delivery was sent for. When that row no
// longer exists, the oldest unlinked row with the same recipient stands in.
func (r *Reconciler) matchRow(ctx context.Context, campaignID string, delivery *domain.DeliveryRecord) (*domain.CampaignRow, error) {
	if delivery.RowKey == nil || *delivery.RowKey == "" {
		return nil, nil
	}

	row, err := r.rows.GetByID(ctx, *delivery.RowKey)
	switch {
	case err == nil:
		if row.CampaignID == campaignID && row.DeliveryID == nil {
			return row, nil
		}
		return nil, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to load row %s: %w", *delivery.RowKey, err)
	}

	recipient := delivery.PrimaryRecipient()
	if recipient == "" {
		return nil, nil
	}

	row, err = r.rows.FindUnlinkedByRecipient(ctx, campaignID, recipient)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match delivery %s by recipient: %w", delivery.ID, err)
	}
	return row, nil
}
