package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Cleaner evicts stale cache files; *cache.Store satisfies it.
type Cleaner interface {
	Cleanup()
}

// SchedulerConfig configures the periodic jobs.
type SchedulerConfig struct {
	Cache           Cleaner
	CleanupInterval time.Duration

	// Prefetch is optional; a zero PrefetchInterval disables it.
	Prefetch         *PrefetchJob
	PrefetchInterval time.Duration

	Logger zerolog.Logger
}

// Scheduler runs the cache janitor and the periodic prefetch.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       SchedulerConfig
	logger    zerolog.Logger
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler. Call Start to begin running jobs.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start schedules the jobs and starts the underlying scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.Cache != nil {
		minutes := int(s.cfg.CleanupInterval.Minutes())
		if minutes <= 0 {
			minutes = 30
		}
		if _, err := s.scheduler.Every(minutes).Minutes().Do(func() {
			s.logger.Debug().Msg("running cache cleanup")
			s.cfg.Cache.Cleanup()
		}); err != nil {
			return err
		}
		s.logger.Info().Int("every_minutes", minutes).Msg("cache janitor scheduled")
	}

	if s.cfg.Prefetch != nil && s.cfg.PrefetchInterval > 0 {
		minutes := int(s.cfg.PrefetchInterval.Minutes())
		if minutes <= 0 {
			minutes = 1
		}
		if _, err := s.scheduler.Every(minutes).Minutes().Do(func() {
			s.cfg.Prefetch.Run(ctx)
		}); err != nil {
			return err
		}
		s.logger.Info().Int("every_minutes", minutes).Msg("prefetch scheduled")
	}

	s.scheduler.StartAsync()
	return nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.scheduler.Jobs())
}

// Stop cancels running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.scheduler.Stop()
}
