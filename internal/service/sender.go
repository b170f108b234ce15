package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout     = 30 * time.Second
	defaultSendRetryDelay  = 5 * time.Minute
	defaultSendMaxAttempts = 2
)

// MailSender is the port the processor and admin flows send through.
type MailSender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SendRequest is one outbound email. Scope defaults to the tenant scope of
// OrganizationID.
type SendRequest struct {
	OrganizationID string
	Recipients     []string
	Subject        string
	Body           string
	Scope          string
	CampaignID     *string
	RowKey         *string
	// DeliveryID re-uses the record written by an earlier attempt.
	DeliveryID *string
	// Attempt is 1-based.
	Attempt       int
	SingleAttempt bool
}

type SendResult struct {
	DeliveryID string
	Status     domain.DeliveryStatus
	Transport  domain.TransportKind
	MessageID  string
}

// RetryLaterError asks the caller to try the same send again after After.
// The delivery record stays queued and is re-used on the next attempt.
type RetryLaterError struct {
	After      time.Duration
	DeliveryID string
	Cause      error
}

func (e *RetryLaterError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("retry after %s", e.After)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RetryLaterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func IsRetryLater(err error) (*RetryLaterError, bool) {
	var retryErr *RetryLaterError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

type SenderOptions struct {
	Timeout     time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

type Sender struct {
	settings   SettingsResolver
	transports provider.Factory
	doser      ratelimit.Doser
	deliveries repository.DeliveryRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	opts       SenderOptions
	now        func() time.Time
}

func NewSender(
	settings SettingsResolver,
	transports provider.Factory,
	doser ratelimit.Doser,
	deliveries repository.DeliveryRepository,
	opts SenderOptions,
	logger *zap.Logger,
) (*Sender, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings resolver is required")
	}
	if transports == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if doser == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultSendRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultSendMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sender{
		settings:   settings,
		transports: transports,
		doser:      doser,
		deliveries: deliveries,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}, nil
}

func (s *Sender) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Send delivers one email under the scope's rate budget and records the
// outcome. On failure the returned result still carries the delivery id
// whenever a record was written.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validateSendRequest(req); err != nil {
		return nil, err
	}

	settings, err := s.settings.Resolve(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	scope := req.Scope
	if strings.TrimSpace(scope) == "" {
		scope = ratelimit.TenantScope(req.OrganizationID)
	}

	allowed, limitErr := s.doser.CanSend(ctx, scope)
	if limitErr != nil || !allowed {
		wait, waitErr := s.doser.NextAvailableIn(ctx, scope)
		if waitErr != nil {
			wait = 0
		}
		s.metrics.IncRateLimited(scope)
		return nil, &domain.RateLimitError{Scope: scope, RetryAfter: wait, Cause: limitErr}
	}

	transport, err := s.transports.ForSettings(settings)
	if err != nil {
		if domain.IsConfigurationError(err) {
			return nil, err
		}
		return nil, &domain.ConfigurationError{OrganizationID: req.OrganizationID, Reason: "build transport", Cause: err}
	}

	msg := provider.Message{
		From:     settings.FromAddress,
		FromName: settings.FromName,
		To:       req.Recipients,
		Subject:  req.Subject,
		HTMLBody: req.Body,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	sendStart := s.now()
	receipt, sendErr := transport.Send(sendCtx, msg)
	cancel()
	s.metrics.ObserveEmailSendDuration(settings.Transport.String(), s.now().Sub(sendStart))

	attempt := max(req.Attempt, 1)
	result := &SendResult{Transport: settings.Transport}

	if sendErr == nil {
		if receipt != nil {
			result.MessageID = receipt.MessageID
		}
		if recorded, err := s.doser.RecordSend(ctx, scope); err != nil || !recorded {
			s.logger.Warn("send succeeded but was not recorded against the rate budget",
				zap.String("scope", scope),
				zap.Error(err),
			)
		}

		id, err := s.saveDelivery(ctx, req, scope, domain.DeliveryStatusSent, nil, attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to record sent delivery: %w", err)
		}
		result.DeliveryID = id
		result.Status = domain.DeliveryStatusSent
		s.metrics.IncEmailSent(settings.Transport.String())
		return result, nil
	}

	// Shutdown is not a delivery outcome; the claim is recovered later.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("send interrupted: %w", ctx.Err())
	}

	errText := sendErr.Error()
	if provider.IsTransient(sendErr) && !req.SingleAttempt && attempt < s.opts.MaxAttempts {
		id, err := s.saveDelivery(ctx, req, scope, domain.DeliveryStatusQueued, &errText, attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to record queued delivery: %w", err)
		}
		result.DeliveryID = id
		result.Status = domain.DeliveryStatusQueued

		s.logger.Info("transient send failure, retry scheduled",
			zap.String("deliveryId", id),
			zap.Int("attempt", attempt),
			zap.Duration("after", s.opts.RetryDelay),
			zap.Error(sendErr),
		)
		return result, &RetryLaterError{After: s.opts.RetryDelay, DeliveryID: id, Cause: sendErr}
	}

	id, err := s.saveDelivery(ctx, req, scope, domain.DeliveryStatusFailed, &errText, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to record failed delivery: %w", err)
	}
	result.DeliveryID = id
	result.Status = domain.DeliveryStatusFailed

	var transportErr *provider.TransportError
	if !errors.As(sendErr, &transportErr) {
		transportErr = &provider.TransportError{
			Transport: settings.Transport.String(),
			Transient: provider.IsTransient(sendErr),
			Cause:     sendErr,
		}
	}
	return result, transportErr
}

func (s *Sender) saveDelivery(
	ctx context.Context,
	req SendRequest,
	scope string,
	status domain.DeliveryStatus,
	errText *string,
	attempt int,
) (string, error) {
	record := &domain.DeliveryRecord{
		OrganizationID: req.OrganizationID,
		Recipients:     req.Recipients,
		Subject:        req.Subject,
		Body:           req.Body,
		Scope:          scope,
		Status:         status,
		Error:          errText,
		Attempts:       attempt,
		CampaignID:     req.CampaignID,
		RowKey:         req.RowKey,
	}

	if req.DeliveryID != nil && *req.DeliveryID != "" {
		record.ID = *req.DeliveryID
		err := s.deliveries.Update(ctx, record)
		if err == nil {
			return record.ID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}

	record.ID = uuid.NewString()
	if err := s.deliveries.Create(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func validateSendRequest(req SendRequest) error {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", domain.ErrValidation)
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	for _, addr := range req.Recipients {
		if err := domain.ValidateAddress(addr); err != nil {
			return err
		}
	}
	if strings.TrimSpace(req.Subject) == "" {
		return fmt.Errorf("%w: subject is required", domain.ErrValidation)
	}
	return nil
}
