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
	defaultCleanupSchedule = "@every 1m"
	defaultIdleThreshold   = 30 * time.Minute
)

// IdleCleaner drops users whose channels saw no activity within threshold.
type IdleCleaner interface {
	CleanupIdle(threshold time.Duration) int
}

// Sweeper releases aged-out limiter state.
type Sweeper interface {
	Sweep() int
}

// Janitor runs the periodic presence and limiter housekeeping off the hot path.
type Janitor struct {
	registry  IdleCleaner
	limiter   Sweeper
	schedule  string
	threshold time.Duration
	logger    *zap.Logger
}

func NewJanitor(
	registry IdleCleaner,
	limiter Sweeper,
	schedule string,
	threshold time.Duration,
	logger *zap.Logger,
) (*Janitor, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultCleanupSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	if threshold <= 0 {
		threshold = defaultIdleThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Janitor{
		registry:  registry,
		limiter:   limiter,
		schedule:  schedule,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Start runs the schedule until context cancellation and waits for a running
// pass to finish before returning.
func (j *Janitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, j.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	c.Start()
	j.logger.Info("janitor started",
		zap.String("schedule", j.schedule),
		zap.Duration("idleThreshold", j.threshold),
	)

	<-ctx.Done()
	<-c.Stop().Done()

	j.logger.Info("janitor stopped")
	return nil
}

// RunOnce performs one housekeeping pass.
func (j *Janitor) RunOnce() {
	evicted := j.registry.CleanupIdle(j.threshold)
	released := j.limiter.Sweep()

	if evicted > 0 || released > 0 {
		j.logger.Info("janitor pass completed",
			zap.Int("idleUsersEvicted", evicted),
			zap.Int("limiterStatesReleased", released),
		)
	}
}
