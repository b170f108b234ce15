package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/render"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultClaimBatchSize   = 100
	defaultCycleConcurrency = 4
	defaultRateLimitBuffer  = 60 * time.Second
	defaultStaleClaimAfter  = 15 * time.Minute
)

type ProcessorOptions struct {
	ClaimBatchSize  int
	Concurrency     int
	RateLimitBuffer time.Duration
	StaleClaimAfter time.Duration
}

// CycleResult summarizes one ProcessCampaign run.
type CycleResult struct {
	CampaignID string
	Status     domain.CampaignStatus
	Skipped    bool
	Claimed    int
	Sent       int
	Failed     int
	Retried    int
	Deferred   int
	Released   int
	Reconciled ReconcileResult
	Completed  bool
}

type Processor struct {
	campaigns  repository.CampaignRepository
	rows       repository.CampaignRowRepository
	sender     MailSender
	settings   SettingsResolver
	doser      ratelimit.Doser
	reconciler *Reconciler
	renderer   *render.Renderer
	logger     *zap.Logger
	metrics    *observability.Metrics
	opts       ProcessorOptions
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func NewProcessor(
	campaigns repository.CampaignRepository,
	rows repository.CampaignRowRepository,
	reconciler *Reconciler,
	sender MailSender,
	settings SettingsResolver,
	doser ratelimit.Doser,
	opts ProcessorOptions,
	logger *zap.Logger,
) (*Processor, error) {
	if campaigns == nil || rows == nil {
		return nil, fmt.Errorf("campaign and row repositories are required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.ClaimBatchSize <= 0 {
		opts.ClaimBatchSize = defaultClaimBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultCycleConcurrency
	}
	if opts.RateLimitBuffer <= 0 {
		opts.RateLimitBuffer = defaultRateLimitBuffer
	}
	if opts.StaleClaimAfter <= 0 {
		opts.StaleClaimAfter = defaultStaleClaimAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		campaigns:  campaigns,
		rows:       rows,
		sender:     sender,
		settings:   settings,
		doser:      doser,
		reconciler: reconciler,
		renderer:   render.NewRenderer(),
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}, nil
}

func (p *Processor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// ProcessAll runs one cycle for every queued or sending campaign. A failing
// campaign is logged and does not stop the others.
func (p *Processor) ProcessAll(ctx context.Context) error {
	active, err := p.campaigns.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)

	for i := range active {
		campaignID := active[i].ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := p.ProcessCampaign(ctx, campaignID); err != nil {
				failed.Add(1)
				p.logger.Error("campaign cycle failed",
					zap.String("campaignId", campaignID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("processing pass finished",
		zap.Int("campaigns", len(active)),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

// ProcessCampaign claims and sends one batch of due rows for the campaign,
// then recomputes its aggregates. A cycle already running for the same
// campaign in this process makes the call a no-op.
func (p *Processor) ProcessCampaign(ctx context.Context, campaignID string) (*CycleResult, error) {
	result := &CycleResult{CampaignID: campaignID}
	if !p.acquire(campaignID) {
		result.Skipped = true
		return result, nil
	}
	defer p.release(campaignID)

	p.metrics.IncCyclesInFlight()
	defer p.metrics.DecCyclesInFlight()

	start := p.now()
	err := p.runCycle(ctx, result)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result.Skipped:
		outcome = "skipped"
	}
	p.metrics.ObserveCycleDuration(outcome, p.now().Sub(start))
	return result, err
}

func (p *Processor) runCycle(ctx context.Context, result *CycleResult) error {
	campaign, err := p.campaigns.GetByID(ctx, result.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	result.Status = campaign.Status

	ctx = observability.WithCampaign(ctx, campaign.ID, campaign.OrganizationID)
	logger := observability.WithContextLogger(p.logger, ctx)

	if !campaign.Status.IsActive() {
		result.Skipped = true
		return nil
	}

	now := p.now().UTC()
	if campaign.Status == domain.CampaignStatusQueued {
		if !campaign.IsDue(now) {
			result.Skipped = true
			return nil
		}
		if err := p.beginSending(ctx, campaign, now); err != nil {
			return err
		}
		result.Status = campaign.Status
		if !campaign.Status.IsActive() {
			result.Skipped = true
			return nil
		}
	}

	reconciled, err := p.reconciler.Reconcile(ctx, campaign.ID)
	result.Reconciled = reconciled
	if err != nil {
		logger.Warn("reconciliation failed, continuing cycle", zap.Error(err))
	}

	released, err := p.rows.ReleaseStale(ctx, campaign.ID, now.Add(-p.opts.StaleClaimAfter), now)
	if err != nil {
		return fmt.Errorf("failed to release stale claims: %w", err)
	}
	if released > 0 {
		logger.Warn("released stale row claims", zap.Int64("rows", released))
	}

	p.applyTenantLimits(ctx, campaign.OrganizationID, logger)

	claimed, err := p.rows.ClaimPending(ctx, campaign.ID, now, p.opts.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim pending rows: %w", err)
	}
	result.Claimed = len(claimed)

	if err := p.sendClaimed(ctx, campaign, claimed, result, logger); err != nil {
		return err
	}

	return p.refreshAggregates(ctx, campaign, result, logger)
}

// beginSending moves a due scheduled campaign to sending and makes its
// pending rows due now.
func (p *Processor) beginSending(ctx context.Context, campaign *domain.Campaign, now time.Time) error {
	if _, err := p.rows.ReschedulePending(ctx, campaign.ID, now); err != nil {
		return fmt.Errorf("failed to reschedule pending rows: %w", err)
	}

	moved, err := p.campaigns.TransitionStatus(ctx, campaign.ID,
		[]domain.CampaignStatus{domain.CampaignStatusQueued}, domain.CampaignStatusSending)
	if err != nil {
		return fmt.Errorf("failed to mark campaign sending: %w", err)
	}
	if moved {
		campaign.Status = domain.CampaignStatusSending
		return nil
	}

	current, err := p.campaigns.GetByID(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to reload campaign: %w", err)
	}
	campaign.Status = current.Status
	return nil
}

func (p *Processor) applyTenantLimits(ctx context.Context, organizationID string, logger *zap.Logger) {
	if p.doser == nil || p.settings == nil {
		return
	}

	settings, err := p.settings.Resolve(ctx, organizationID)
	if err != nil {
		// The sender reports the same problem per row.
		logger.Debug("tenant limits not applied", zap.Error(err))
		return
	}
	p.doser.SetScopeLimits(ratelimit.TenantScope(organizationID), settings.RateLimitMax, settings.RateLimitWindow)
}

func (p *Processor) sendClaimed(
	ctx context.Context,
	campaign *domain.Campaign,
	claimed []domain.CampaignRow,
	result *CycleResult,
	logger *zap.Logger,
) error {
	for i := range claimed {
		row := &claimed[i]

		if ctx.Err() != nil {
			return ctx.Err()
		}

		current, err := p.campaigns.GetByID(ctx, campaign.ID)
		if err != nil {
			p.releaseRemaining(ctx, claimed[i:], p.now(), result, logger)
			return fmt.Errorf("failed to re-check campaign status: %w", err)
		}
		if !current.Status.IsActive() {
			logger.Info("campaign left active state mid-cycle, releasing claimed rows",
				zap.String("status", current.Status.String()),
				zap.Int("rows", len(claimed)-i),
			)
			result.Status = current.Status
			p.releaseRemaining(ctx, claimed[i:], p.now(), result, logger)
			return nil
		}

		moved, err := p.rows.MarkSending(ctx, row.ID)
		if err != nil {
			p.releaseRemaining(ctx, claimed[i:], p.now(), result, logger)
			return fmt.Errorf("failed to mark row sending: %w", err)
		}
		if !moved {
			continue
		}

		stop, err := p.sendRow(ctx, campaign, row, claimed[i:], result, logger)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// sendRow renders and sends one row and records the outcome. It reports
// stop=true when the rest of the batch was handed back.
func (p *Processor) sendRow(
	ctx context.Context,
	campaign *domain.Campaign,
	row *domain.CampaignRow,
	remaining []domain.CampaignRow,
	result *CycleResult,
	logger *zap.Logger,
) (bool, error) {
	subject, body, err := p.renderer.Render(campaign.Subject, campaign.Body, row.TemplateData())
	if err != nil {
		if markErr := p.rows.MarkFailed(ctx, row.ID, nil, err.Error()); markErr != nil {
			return false, fmt.Errorf("failed to mark row failed: %w", markErr)
		}
		result.Failed++
		p.metrics.IncEmailFailed("render_error")
		logger.Warn("row render failed", zap.String("rowId", row.ID), zap.Error(err))
		return false, nil
	}

	campaignID := campaign.ID
	rowID := row.ID
	sendResult, sendErr := p.sender.Send(ctx, SendRequest{
		OrganizationID: campaign.OrganizationID,
		Recipients:     []string{row.Recipient},
		Subject:        subject,
		Body:           body,
		CampaignID:     &campaignID,
		RowKey:         &rowID,
		DeliveryID:     row.DeliveryID,
		Attempt:        row.AttemptCount + 1,
	})

	if sendErr == nil {
		if err := p.rows.MarkSent(ctx, row.ID, sendResult.DeliveryID); err != nil {
			return false, fmt.Errorf("failed to mark row sent: %w", err)
		}
		result.Sent++
		return false, nil
	}

	if rateErr, ok := domain.IsRateLimited(sendErr); ok {
		at := p.now().Add(rateErr.RetryAfter + p.opts.RateLimitBuffer)
		p.releaseRemaining(ctx, remaining, at, result, logger)
		result.Deferred += len(remaining)
		logger.Info("rate limit reached, batch deferred",
			zap.String("scope", rateErr.Scope),
			zap.Duration("retryAfter", rateErr.RetryAfter),
			zap.Int("rows", len(remaining)),
		)
		return true, nil
	}

	if retryErr, ok := IsRetryLater(sendErr); ok {
		deliveryID := retryErr.DeliveryID
		err := p.rows.RescheduleRetry(ctx, row.ID, p.now().Add(retryErr.After), &deliveryID, sendErr.Error())
		if err != nil {
			return false, fmt.Errorf("failed to reschedule row retry: %w", err)
		}
		result.Retried++
		p.metrics.IncRetryScheduled()
		return false, nil
	}

	if domain.IsConfigurationError(sendErr) {
		p.releaseRemaining(ctx, remaining, p.now(), result, logger)
		return false, sendErr
	}

	var transportErr *provider.TransportError
	if errors.As(sendErr, &transportErr) || errors.Is(sendErr, domain.ErrValidation) {
		var deliveryID *string
		if sendResult != nil && sendResult.DeliveryID != "" {
			deliveryID = &sendResult.DeliveryID
		}
		if err := p.rows.MarkFailed(ctx, row.ID, deliveryID, sendErr.Error()); err != nil {
			return false, fmt.Errorf("failed to mark row failed: %w", err)
		}
		result.Failed++
		reason := "permanent_error"
		if transportErr != nil && transportErr.Transient {
			reason = "retry_exhausted"
		}
		p.metrics.IncEmailFailed(reason)
		return false, nil
	}

	p.releaseRemaining(ctx, remaining, p.now(), result, logger)
	return false, fmt.Errorf("send failed: %w", sendErr)
}

func (p *Processor) releaseRemaining(
	ctx context.Context,
	rows []domain.CampaignRow,
	at time.Time,
	result *CycleResult,
	logger *zap.Logger,
) {
	if len(rows) == 0 {
		return
	}
	ids := make([]string, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}

	released, err := p.rows.ReleaseClaimed(ctx, ids, at)
	if err != nil {
		// Stale-claim recovery picks these up later.
		logger.Error("failed to release claimed rows", zap.Int("rows", len(ids)), zap.Error(err))
		return
	}
	result.Released += int(released)
}

func (p *Processor) refreshAggregates(
	ctx context.Context,
	campaign *domain.Campaign,
	result *CycleResult,
	logger *zap.Logger,
) error {
	counts, err := p.rows.CountByStatus(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}

	totals := domain.TotalsFromCounts(counts)
	if err := p.campaigns.UpdateAggregates(ctx, campaign.ID, totals); err != nil {
		return fmt.Errorf("failed to update campaign aggregates: %w", err)
	}

	if !totals.IsComplete() {
		return nil
	}

	completed, err := p.campaigns.TransitionStatus(ctx, campaign.ID,
		[]domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	if completed {
		result.Completed = true
		result.Status = domain.CampaignStatusCompleted
		p.metrics.IncCampaignCompleted()
		logger.Info("campaign completed",
			zap.Int("total", totals.Total),
			zap.Int("sent", totals.Sent),
			zap.Int("failed", totals.Failed),
		)
	}
	return nil
}

func (p *Processor) acquire(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.running[campaignID]; busy {
		return false
	}
	p.running[campaignID] = struct{}{}
	return true
}

func (p *Processor) release(campaignID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, campaignID)
}
