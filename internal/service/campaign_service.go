package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/render"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const maxRowsPerCampaign = 100000

// RowInput is one recipient with its personalization data.
type RowInput struct {
	Recipient string
	Data      map[string]any
}

type CreateCampaignInput struct {
	OrganizationID   string
	Name             string
	Subject          string
	Body             string
	UseTableData     bool
	ManualRecipients []string
	Rows             []RowInput
	SendType         domain.SendType
	ScheduledAt      *time.Time
}

type ReplaceRecipientsInput struct {
	ManualRecipients []string
	Rows             []RowInput
}

type CampaignSummary struct {
	Campaign *domain.Campaign
	Counts   map[domain.RowStatus]int64
	Totals   domain.CampaignTotals
}

type TestSendInput struct {
	Recipient string
	Data      map[string]any
}

type CampaignService struct {
	campaigns repository.CampaignRepository
	rows      repository.CampaignRowRepository
	settings  repository.MailSettingsRepository
	sender    MailSender
	publisher queue.Publisher
	renderer  *render.Renderer
	logger    *zap.Logger
	now       func() time.Time
}

func NewCampaignService(
	campaigns repository.CampaignRepository,
	rows repository.CampaignRowRepository,
	settings repository.MailSettingsRepository,
	sender MailSender,
	publisher queue.Publisher,
	logger *zap.Logger,
) *CampaignService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CampaignService{
		campaigns: campaigns,
		rows:      rows,
		settings:  settings,
		sender:    sender,
		publisher: publisher,
		renderer:  render.NewRenderer(),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *CampaignService) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	sendType := input.SendType
	if sendType == "" {
		sendType = domain.SendTypeImmediate
	}

	campaign := &domain.Campaign{
		ID:               uuid.NewString(),
		OrganizationID:   strings.TrimSpace(input.OrganizationID),
		Name:             strings.TrimSpace(input.Name),
		Subject:          input.Subject,
		Body:             input.Body,
		UseTableData:     input.UseTableData,
		ManualRecipients: trimAddresses(input.ManualRecipients),
		SendType:         sendType,
		ScheduledAt:      utcPtr(input.ScheduledAt),
		Status:           domain.CampaignStatusDraft,
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}
	if !campaign.UseTableData && len(input.Rows) > 0 {
		return nil, fmt.Errorf("%w: rows require useTableData", domain.ErrValidation)
	}
	if err := s.checkTemplates(campaign); err != nil {
		return nil, err
	}

	rows, err := s.buildRows(campaign, input.Rows, domain.RowStatusDraft, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	if err := s.rows.CreateBatch(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to create campaign rows: %w", err)
	}

	total := len(rows)
	if !campaign.UseTableData {
		total = len(campaign.ManualRecipients)
	}
	if err := s.campaigns.UpdateAggregates(ctx, campaign.ID, domain.CampaignTotals{Total: total}); err != nil {
		return nil, fmt.Errorf("failed to update campaign aggregates: %w", err)
	}
	campaign.TotalEmails = total

	s.logger.Info("campaign created",
		zap.String("campaignId", campaign.ID),
		zap.String("organizationId", campaign.OrganizationID),
		zap.Int("recipients", total),
	)
	return campaign, nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.campaigns.GetByID(ctx, id)
}

func (s *CampaignService) List(ctx context.Context, params repository.CampaignListParams) ([]domain.Campaign, int64, error) {
	return s.campaigns.List(ctx, params)
}

func (s *CampaignService) ListRows(ctx context.Context, campaignID string, params repository.RowListParams) ([]domain.CampaignRow, int64, error) {
	if _, err := s.campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, 0, err
	}
	return s.rows.List(ctx, campaignID, params)
}

// ReplaceRecipients swaps the recipients that have not been attempted yet.
// Rows that already went through the sender are kept, and each kept row
// absorbs one matching address of the new list so nobody is mailed twice.
func (s *CampaignService) ReplaceRecipients(ctx context.Context, id string, input ReplaceRecipientsInput) (*domain.Campaign, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.CanEditRecipients() {
		return nil, fmt.Errorf("%w: recipients cannot change while campaign is %s", domain.ErrInvalidStateTransition, campaign.Status)
	}

	now := s.now().UTC()
	status := domain.RowStatusDraft
	if campaign.Status == domain.CampaignStatusPaused {
		status = domain.RowStatusPending
	}

	var inputs []RowInput
	if campaign.UseTableData {
		if len(input.ManualRecipients) > 0 {
			return nil, fmt.Errorf("%w: campaign uses table data", domain.ErrValidation)
		}
		inputs = input.Rows
	} else {
		if len(input.Rows) > 0 {
			return nil, fmt.Errorf("%w: rows require useTableData", domain.ErrValidation)
		}
		campaign.ManualRecipients = trimAddresses(input.ManualRecipients)
		if err := campaign.Validate(); err != nil {
			return nil, err
		}
		// Manual recipients become rows on start; a paused campaign already has them.
		if campaign.Status == domain.CampaignStatusPaused {
			inputs = manualRowInputs(campaign.ManualRecipients)
		}
	}

	attempted, err := s.rows.ListAttemptedRecipients(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempted rows: %w", err)
	}
	inputs, skipped := withoutAttempted(inputs, attempted)

	rows, err := s.buildRows(campaign, inputs, status, now)
	if err != nil {
		return nil, err
	}

	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to update campaign: %w", err)
	}
	deleted, err := s.rows.DeleteUnattempted(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete unattempted rows: %w", err)
	}
	if err := s.rows.CreateBatch(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to create campaign rows: %w", err)
	}

	if err := s.refreshTotals(ctx, campaign); err != nil {
		return nil, err
	}

	s.logger.Info("campaign recipients replaced",
		zap.String("campaignId", campaign.ID),
		zap.Int64("removed", deleted),
		zap.Int("added", len(rows)),
		zap.Int("alreadyAttempted", skipped),
	)
	return s.campaigns.GetByID(ctx, campaign.ID)
}

// Start queues a draft campaign. Scheduled campaigns wait in queued until
// ScheduledAt; immediate campaigns go straight to sending.
func (s *CampaignService) Start(ctx context.Context, id string) (*domain.Campaign, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target, err := campaign.NextStatus(domain.ActionStart)
	if err != nil {
		return nil, err
	}

	if campaign.Status == domain.CampaignStatusDraft {
		if err := s.prepareRows(ctx, campaign); err != nil {
			return nil, err
		}
	}

	if err := s.transition(ctx, campaign, target); err != nil {
		return nil, err
	}

	s.publishTrigger(ctx, queue.ReasonStart, campaign.ID)
	return s.campaigns.GetByID(ctx, id)
}

func (s *CampaignService) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target, err := campaign.NextStatus(domain.ActionPause)
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, campaign, target); err != nil {
		return nil, err
	}
	return s.campaigns.GetByID(ctx, id)
}

func (s *CampaignService) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	target, err := campaign.NextStatus(domain.ActionResume)
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, campaign, target); err != nil {
		return nil, err
	}

	s.publishTrigger(ctx, queue.ReasonResume, campaign.ID)
	return s.campaigns.GetByID(ctx, id)
}

func (s *CampaignService) Summary(ctx context.Context, id string) (*CampaignSummary, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.rows.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}

	return &CampaignSummary{
		Campaign: campaign,
		Counts:   counts,
		Totals:   domain.TotalsFromCounts(counts),
	}, nil
}

// TestSend renders the campaign for one address and sends it once on the
// global scope. No row is created.
func (s *CampaignService) TestSend(ctx context.Context, id string, input TestSendInput) (*SendResult, error) {
	if s.sender == nil {
		return nil, fmt.Errorf("sender is not configured")
	}
	recipient := strings.TrimSpace(input.Recipient)
	if err := domain.ValidateAddress(recipient); err != nil {
		return nil, err
	}

	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	row := domain.CampaignRow{Recipient: recipient, Data: input.Data}
	subject, body, err := s.renderer.Render(campaign.Subject, campaign.Body, row.TemplateData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	campaignID := campaign.ID
	return s.sender.Send(ctx, SendRequest{
		OrganizationID: campaign.OrganizationID,
		Recipients:     []string{recipient},
		Subject:        subject,
		Body:           body,
		Scope:          ratelimit.GlobalScope,
		CampaignID:     &campaignID,
		Attempt:        1,
		SingleAttempt:  true,
	})
}

func (s *CampaignService) GetMailSettings(ctx context.Context, organizationID string) (*domain.MailSettings, error) {
	return s.settings.GetByOrganization(ctx, organizationID)
}

func (s *CampaignService) UpsertMailSettings(ctx context.Context, settings *domain.MailSettings) (*domain.MailSettings, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: mail settings are required", domain.ErrValidation)
	}
	if settings.Transport == domain.TransportSMTP && settings.SMTPTLS == "" {
		settings.SMTPTLS = domain.TLSOpportunistic
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := s.settings.Upsert(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to save mail settings: %w", err)
	}
	return s.settings.GetByOrganization(ctx, settings.OrganizationID)
}

// TriggerCycle asks the worker to process every active campaign now.
func (s *CampaignService) TriggerCycle(ctx context.Context) error {
	if s.publisher == nil {
		return fmt.Errorf("trigger publisher is not configured")
	}
	return s.publisher.Publish(ctx, queue.CycleQueue, s.cycleMessage(ctx, queue.ReasonManual, ""))
}

// prepareRows makes the recipients of a draft campaign claimable. A campaign
// without recipients is started anyway and completes on its first cycle.
func (s *CampaignService) prepareRows(ctx context.Context, campaign *domain.Campaign) error {
	at := s.now().UTC()
	if campaign.SendType == domain.SendTypeScheduled && campaign.ScheduledAt != nil {
		at = campaign.ScheduledAt.UTC()
	}

	counts, err := s.rows.CountByStatus(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}

	if domain.TotalsFromCounts(counts).Total == 0 && !campaign.UseTableData {
		rows, err := s.buildRows(campaign, manualRowInputs(campaign.ManualRecipients), domain.RowStatusPending, at)
		if err != nil {
			return err
		}
		if err := s.rows.CreateBatch(ctx, rows); err != nil {
			return fmt.Errorf("failed to create campaign rows: %w", err)
		}
	} else if _, err := s.rows.PromoteDrafts(ctx, campaign.ID, at); err != nil {
		return fmt.Errorf("failed to promote draft rows: %w", err)
	}

	return s.refreshTotals(ctx, campaign)
}

func (s *CampaignService) transition(ctx context.Context, campaign *domain.Campaign, target domain.CampaignStatus) error {
	moved, err := s.campaigns.TransitionStatus(ctx, campaign.ID, []domain.CampaignStatus{campaign.Status}, target)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if !moved {
		return fmt.Errorf("%w: campaign status changed concurrently", domain.ErrConflict)
	}

	s.logger.Info("campaign status changed",
		zap.String("campaignId", campaign.ID),
		zap.String("from", campaign.Status.String()),
		zap.String("to", target.String()),
	)
	campaign.Status = target
	return nil
}

func (s *CampaignService) refreshTotals(ctx context.Context, campaign *domain.Campaign) error {
	counts, err := s.rows.CountByStatus(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	totals := domain.TotalsFromCounts(counts)
	if totals.Total == 0 && !campaign.UseTableData {
		totals.Total = len(campaign.ManualRecipients)
	}
	if err := s.campaigns.UpdateAggregates(ctx, campaign.ID, totals); err != nil {
		return fmt.Errorf("failed to update campaign aggregates: %w", err)
	}
	return nil
}

// publishTrigger is best effort: the scheduled pass picks the campaign up
// when the broker is unavailable.
func (s *CampaignService) publishTrigger(ctx context.Context, reason queue.TriggerReason, campaignID string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, queue.CycleQueue, s.cycleMessage(ctx, reason, campaignID)); err != nil {
		s.logger.Warn("failed to publish cycle trigger",
			zap.String("campaignId", campaignID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	}
}

func (s *CampaignService) cycleMessage(ctx context.Context, reason queue.TriggerReason, campaignID string) queue.CycleMessage {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	return queue.CycleMessage{
		CampaignID:    campaignID,
		Reason:        reason,
		RequestedAt:   s.now().UTC(),
		CorrelationID: correlationID,
	}
}

func (s *CampaignService) checkTemplates(campaign *domain.Campaign) error {
	if err := s.renderer.Check(campaign.Subject, campaign.Body); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (s *CampaignService) buildRows(
	campaign *domain.Campaign,
	inputs []RowInput,
	status domain.RowStatus,
	at time.Time,
) ([]*domain.CampaignRow, error) {
	if len(inputs) > maxRowsPerCampaign {
		return nil, fmt.Errorf("%w: at most %d recipients per campaign", domain.ErrValidation, maxRowsPerCampaign)
	}

	rows := make([]*domain.CampaignRow, 0, len(inputs))
	for _, in := range inputs {
		row := &domain.CampaignRow{
			ID:              uuid.NewString(),
			CampaignID:      campaign.ID,
			Recipient:       strings.TrimSpace(in.Recipient),
			Data:            in.Data,
			ScheduledSendAt: at,
			Status:          status,
		}
		if err := row.Validate(); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// withoutAttempted drops one input per attempted row with the same address.
func withoutAttempted(inputs []RowInput, attempted []string) ([]RowInput, int) {
	if len(attempted) == 0 {
		return inputs, 0
	}

	kept := make(map[string]int, len(attempted))
	for _, addr := range attempted {
		kept[domain.NormalizeAddress(addr)]++
	}

	out := make([]RowInput, 0, len(inputs))
	skipped := 0
	for _, in := range inputs {
		key := domain.NormalizeAddress(in.Recipient)
		if kept[key] > 0 {
			kept[key]--
			skipped++
			continue
		}
		out = append(out, in)
	}
	return out, skipped
}

func manualRowInputs(recipients []string) []RowInput {
	inputs := make([]RowInput, 0, len(recipients))
	for _, addr := range recipients {
		inputs = append(inputs, RowInput{Recipient: addr})
	}
	return inputs
}

func trimAddresses(addrs []string) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, strings.TrimSpace(addr))
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
