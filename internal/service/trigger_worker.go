package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// CampaignProcessor is the processing surface the trigger worker drives.
type CampaignProcessor interface {
	CycleRunner
	ProcessCampaign(ctx context.Context, campaignID string) (*CycleResult, error)
}

// TriggerWorker consumes cycle triggers published by the API and runs the
// requested cycle right away instead of waiting for the next scheduled pass.
type TriggerWorker struct {
	consumer    queue.Consumer
	processor   CampaignProcessor
	logger      *zap.Logger
	concurrency int
}

func NewTriggerWorker(
	consumer queue.Consumer,
	processor CampaignProcessor,
	concurrency int,
	logger *zap.Logger,
) (*TriggerWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TriggerWorker{
		consumer:    consumer,
		processor:   processor,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the cycle queue until context cancellation.
func (w *TriggerWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("trigger worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.handle)
			if err != nil {
				w.logger.Error("trigger worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("trigger worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// handle returns an error only for failures worth dead-lettering.
func (w *TriggerWorker) handle(ctx context.Context, msg queue.CycleMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx)

	if err := msg.Validate(); err != nil {
		logger.Warn("invalid cycle trigger dropped", zap.Error(err))
		return nil
	}

	if msg.CampaignID == "" {
		if err := w.processor.ProcessAll(ctx); err != nil {
			return fmt.Errorf("processing pass failed: %w", err)
		}
		return nil
	}

	result, err := w.processor.ProcessCampaign(ctx, msg.CampaignID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("cycle trigger for unknown campaign", zap.String("campaignId", msg.CampaignID))
		return nil
	case domain.IsConfigurationError(err):
		logger.Error("campaign cycle aborted by configuration error",
			zap.String("campaignId", msg.CampaignID),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("campaign cycle failed: %w", err)
	}

	logger.Info("triggered cycle finished",
		zap.String("campaignId", msg.CampaignID),
		zap.String("reason", string(msg.Reason)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred),
		zap.Bool("skipped", result.Skipped),
	)
	return nil
}
