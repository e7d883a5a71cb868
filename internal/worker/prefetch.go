package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
)

// Prefetcher downloads the granules a request would use without
// extracting them.
type Prefetcher interface {
	Prefetch(ctx context.Context, req airquality.Request) (int, error)
}

// Resolver validates queries; *airquality.Service satisfies it.
type Resolver interface {
	Resolve(q airquality.Query) (airquality.Request, error)
}

// PrefetchJob warms the granule cache for a set of targets.
type PrefetchJob struct {
	config     PrefetchConfig
	logger     zerolog.Logger
	prefetcher Prefetcher
	resolver   Resolver

	metrics *PrefetchMetrics
}

// PrefetchMetrics tracks prefetch job statistics.
type PrefetchMetrics struct {
	mu sync.RWMutex

	TotalRuns       int64
	SuccessfulFetch int64
	FailedFetches   int64
	Files           int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
}

// PrefetchJobConfig holds configuration for creating a PrefetchJob.
type PrefetchJobConfig struct {
	Config     PrefetchConfig
	Logger     zerolog.Logger
	Prefetcher Prefetcher
	Resolver   Resolver
}

// NewPrefetchJob creates a new prefetch job.
func NewPrefetchJob(cfg PrefetchJobConfig) *PrefetchJob {
	config := cfg.Config
	defaults := DefaultPrefetchConfig()
	if len(config.Targets) == 0 {
		config.Targets = defaults.Targets
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &PrefetchJob{
		config:     config,
		logger:     cfg.Logger.With().Str("component", "prefetch").Logger(),
		prefetcher: cfg.Prefetcher,
		resolver:   cfg.Resolver,
		metrics:    &PrefetchMetrics{},
	}
}

// PrefetchResult contains the result of one run.
type PrefetchResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Targets   int
	Succeeded int
	Failed    int
	Files     int
	Errors    []PrefetchError
}

// PrefetchError records a failed target.
type PrefetchError struct {
	Target string
	Error  string
}

// Run prefetches every configured target.
func (j *PrefetchJob) Run(ctx context.Context) *PrefetchResult {
	return j.RunTargets(ctx, j.config.Targets)
}

// RunTargets prefetches targets with bounded concurrency.
func (j *PrefetchJob) RunTargets(ctx context.Context, targets []Target) *PrefetchResult {
	startTime := time.Now()
	result := &PrefetchResult{StartTime: startTime, Targets: len(targets)}

	j.logger.Info().
		Int("targets", len(targets)).
		Int("concurrency", j.config.Concurrency).
		Msg("starting prefetch job")

	work := make(chan Target, len(targets))
	outcomes := make(chan targetResult, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if ctx.Err() != nil {
					outcomes <- targetResult{target: t, err: ctx.Err()}
					continue
				}
				outcomes <- j.prefetchTarget(ctx, t)
			}
		}()
	}

	for _, t := range targets {
		work <- t
	}
	close(work)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for tr := range outcomes {
		if tr.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, PrefetchError{Target: tr.target.Name, Error: tr.err.Error()})
			continue
		}
		result.Succeeded++
		result.Files += tr.files
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)
	j.updateMetrics(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("files", result.Files).
		Msg("prefetch job completed")

	return result
}

type targetResult struct {
	target Target
	files  int
	err    error
}

func (j *PrefetchJob) prefetchTarget(ctx context.Context, t Target) targetResult {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	files, err := j.Prefetch(ctx, airquality.Query{Pollutant: t.Pollutant, BBox: t.BBox.String()})
	if err != nil {
		j.logger.Warn().Err(err).Str("target", t.Name).Msg("prefetch failed")
	}
	return targetResult{target: t, files: files, err: err}
}

// Prefetch validates q and warms the cache for it.
func (j *PrefetchJob) Prefetch(ctx context.Context, q airquality.Query) (int, error) {
	req, err := j.resolver.Resolve(q)
	if err != nil {
		return 0, err
	}
	return j.prefetcher.Prefetch(ctx, req)
}

func (j *PrefetchJob) updateMetrics(result *PrefetchResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.SuccessfulFetch += int64(result.Succeeded)
	j.metrics.FailedFetches += int64(result.Failed)
	j.metrics.Files += int64(result.Files)
	j.metrics.LastRunAt = result.EndTime
	j.metrics.LastRunDuration = result.Duration
}

// MetricsSnapshot returns the current metrics as a map.
func (j *PrefetchJob) MetricsSnapshot() map[string]any {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return map[string]any{
		"total_runs":        j.metrics.TotalRuns,
		"successful_fetch":  j.metrics.SuccessfulFetch,
		"failed_fetches":    j.metrics.FailedFetches,
		"files":             j.metrics.Files,
		"last_run_at":       j.metrics.LastRunAt,
		"last_run_duration": j.metrics.LastRunDuration.String(),
	}
}
