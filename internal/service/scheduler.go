package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultCycleSchedule = "@every 1m"
	defaultSweepInterval = 5 * time.Minute
)

// CycleRunner processes every active campaign once.
type CycleRunner interface {
	ProcessAll(ctx context.Context) error
}

// Sweeper drops idle rate-limit scopes.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler runs processing passes on a cron schedule and, optionally, the
// rate limiter sweep.
type Scheduler struct {
	runner        CycleRunner
	sweeper       Sweeper
	sweepInterval time.Duration
	schedule      string
	parser        cron.Parser
	logger        *zap.Logger
}

func NewScheduler(runner CycleRunner, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("cycle runner is required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultCycleSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", schedule, err)
	}

	return &Scheduler{
		runner:        runner,
		schedule:      schedule,
		parser:        parser,
		logger:        logger,
		sweepInterval: defaultSweepInterval,
	}, nil
}

// WithSweep registers a periodic limiter sweep alongside the cycle job.
func (s *Scheduler) WithSweep(sweeper Sweeper, every time.Duration) *Scheduler {
	s.sweeper = sweeper
	if every > 0 {
		s.sweepInterval = every
	}
	return s
}

// Start runs an initial pass, then blocks running scheduled passes until ctx
// is canceled. Overlapping ticks are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runPass(ctx)

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.runPass(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cycle job: %w", err)
	}
	if s.sweeper != nil {
		sweepSpec := fmt.Sprintf("@every %s", s.sweepInterval)
		if _, err := c.AddFunc(sweepSpec, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule sweep job: %w", err)
		}
	}

	s.logger.Info("scheduler started", zap.String("schedule", s.schedule))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.runner.ProcessAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled processing pass failed", zap.Error(err))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil || s.sweeper == nil {
		return
	}
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("rate limiter sweep failed", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		s.logger.Debug("rate limiter sweep removed idle scopes", zap.Int("removed", removed))
	}
}
