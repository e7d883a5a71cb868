// Package tempo implements the acquisition strategies for NASA TEMPO
// products: granule search and download, and Harmony subsetting.
package tempo

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/earthdata/cmr"
	"github.com/constelar/constelar/internal/grid"
)

// Strategy names accepted by Build.
const (
	StrategySearch = "search"
	StrategySubset = "subset"
)

// Source tags.
const (
	SourceSearch = "nasa-tempo"
	SourceSubset = "nasa-harmony"
)

// DefaultMaxGranules caps granules per search.
const DefaultMaxGranules = 3

// GranuleSource searches and downloads granules.
type GranuleSource interface {
	Search(ctx context.Context, req cmr.SearchRequest) ([]cmr.Granule, error)
	Download(ctx context.Context, granules []cmr.Granule) ([]string, error)
}

// Extractor turns a local grid file into measurements.
type Extractor interface {
	Extract(ctx context.Context, path string, req grid.Request) ([]airquality.Measurement, error)
}

// SearchConfig configures a SearchStrategy.
type SearchConfig struct {
	Granules  GranuleSource
	Extractor Extractor
	Options   grid.Options

	// MaxGranules defaults to DefaultMaxGranules.
	MaxGranules int

	Logger zerolog.Logger
}

// SearchStrategy finds granules in CMR, downloads them through the cache
// and extracts each file until the limit is reached.
type SearchStrategy struct {
	granules    GranuleSource
	extractor   Extractor
	options     grid.Options
	maxGranules int
	logger      zerolog.Logger
}

var _ airquality.Strategy = (*SearchStrategy)(nil)

// NewSearchStrategy creates a SearchStrategy.
func NewSearchStrategy(cfg SearchConfig) *SearchStrategy {
	maxGranules := cfg.MaxGranules
	if maxGranules <= 0 {
		maxGranules = DefaultMaxGranules
	}
	return &SearchStrategy{
		granules:    cfg.Granules,
		extractor:   cfg.Extractor,
		options:     cfg.Options,
		maxGranules: maxGranules,
		logger:      cfg.Logger.With().Str("strategy", StrategySearch).Logger(),
	}
}

func (s *SearchStrategy) Name() string   { return StrategySearch }
func (s *SearchStrategy) Source() string { return SourceSearch }

// Prefetch searches and downloads without extracting, warming the cache.
// It returns the number of files available locally.
func (s *SearchStrategy) Prefetch(ctx context.Context, req airquality.Request) (int, error) {
	paths, err := s.fetch(ctx, req)
	return len(paths), err
}

func (s *SearchStrategy) fetch(ctx context.Context, req airquality.Request) ([]string, error) {
	bbox := req.BBox
	granules, err := s.granules.Search(ctx, cmr.SearchRequest{
		DatasetID: req.Pollutant.DatasetID,
		Window:    req.Window,
		BBox:      &bbox,
		MaxItems:  s.maxGranules,
	})
	if err != nil {
		return nil, err
	}
	if len(granules) == 0 {
		s.logger.Info().Str("pollutant", req.Pollutant.Name).Msg("no granules in window")
		return nil, nil
	}
	return s.granules.Download(ctx, granules)
}

// Acquire implements airquality.Strategy. Files that fail extraction are
// logged and skipped.
func (s *SearchStrategy) Acquire(ctx context.Context, req airquality.Request) ([]airquality.Measurement, error) {
	paths, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	bbox := req.BBox
	out := make([]airquality.Measurement, 0)
	for _, path := range paths {
		remaining := req.Limit - len(out)
		if req.Limit > 0 && remaining <= 0 {
			break
		}

		ms, err := s.extractor.Extract(ctx, path, grid.Request{
			VariablePath: req.Pollutant.VariablePath,
			Parameter:    req.Pollutant.Name,
			Limit:        max(remaining, 0),
			BBox:         &bbox,
			Options:      s.options,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			s.logger.Warn().Err(err).Str("file", path).Msg("extraction failed, skipping file")
			continue
		}
		out = append(out, ms...)
	}

	s.logger.Info().
		Str("pollutant", req.Pollutant.Name).
		Int("files", len(paths)).
		Int("measurements", len(out)).
		Msg("search acquisition complete")
	return out, nil
}
