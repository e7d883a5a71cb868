package tempo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/earthdata/harmony"
	"github.com/constelar/constelar/internal/features"
	"github.com/constelar/constelar/internal/grid"
)

// SubsetSource requests Harmony subsets.
type SubsetSource interface {
	GetFeatures(ctx context.Context, t harmony.Target, p harmony.Params) ([]byte, error)
	GetGrid(ctx context.Context, t harmony.Target, p harmony.Params) ([]byte, error)
}

// SubsetConfig configures a SubsetStrategy.
type SubsetConfig struct {
	Subsets   SubsetSource
	Extractor Extractor
	Options   grid.Options

	// SpoolDir receives grid payloads while they are extracted. Defaults
	// to the system temp directory.
	SpoolDir string

	Logger zerolog.Logger
}

// SubsetStrategy asks Harmony for point features first and falls back to a
// NetCDF subset when the feature payload yields nothing.
type SubsetStrategy struct {
	subsets   SubsetSource
	extractor Extractor
	parser    features.Parser
	options   grid.Options
	spoolDir  string
	logger    zerolog.Logger
}

var _ airquality.Strategy = (*SubsetStrategy)(nil)

// NewSubsetStrategy creates a SubsetStrategy.
func NewSubsetStrategy(cfg SubsetConfig) *SubsetStrategy {
	spool := cfg.SpoolDir
	if spool == "" {
		spool = os.TempDir()
	}
	return &SubsetStrategy{
		subsets:   cfg.Subsets,
		extractor: cfg.Extractor,
		parser:    features.Parser{Source: SourceSubset},
		options:   cfg.Options,
		spoolDir:  spool,
		logger:    cfg.Logger.With().Str("strategy", StrategySubset).Logger(),
	}
}

func (s *SubsetStrategy) Name() string   { return StrategySubset }
func (s *SubsetStrategy) Source() string { return SourceSubset }

// Acquire implements airquality.Strategy.
func (s *SubsetStrategy) Acquire(ctx context.Context, req airquality.Request) ([]airquality.Measurement, error) {
	bbox := req.BBox
	target := harmony.Target{
		CollectionID: req.Pollutant.DatasetID,
		CoverageKey:  req.Pollutant.CoverageKey,
		Variable:     req.Pollutant.VariablePath,
	}
	params := harmony.Params{Window: req.Window, BBox: &bbox, Limit: req.Limit}

	ms, featureErr := s.fromFeatures(ctx, target, params, req)
	if featureErr != nil {
		if fatal(featureErr) {
			return nil, featureErr
		}
		s.logger.Warn().Err(featureErr).Msg("feature subset failed, trying grid")
	}
	if len(ms) > 0 {
		return ms, nil
	}

	ms, gridErr := s.fromGrid(ctx, target, params, req)
	if gridErr != nil {
		return nil, gridErr
	}
	if len(ms) == 0 && featureErr != nil {
		s.logger.Info().Str("pollutant", req.Pollutant.Name).Msg("grid subset empty after feature failure")
	}
	return ms, nil
}

func (s *SubsetStrategy) fromFeatures(ctx context.Context, t harmony.Target, p harmony.Params, req airquality.Request) ([]airquality.Measurement, error) {
	payload, err := s.subsets.GetFeatures(ctx, t, p)
	if err != nil {
		return nil, err
	}
	ms, err := s.parser.Parse(payload, req.Pollutant.Name, req.Limit)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("measurements", len(ms)).Msg("feature payload parsed")
	return ms, nil
}

// fromGrid spools the NetCDF payload to disk for the extractor and removes
// it afterwards. Extraction failures yield an empty result.
func (s *SubsetStrategy) fromGrid(ctx context.Context, t harmony.Target, p harmony.Params, req airquality.Request) ([]airquality.Measurement, error) {
	payload, err := s.subsets.GetGrid(ctx, t, p)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	spool := filepath.Join(s.spoolDir, "harmony-"+uuid.NewString()+".nc")
	if err := os.WriteFile(spool, payload, 0o600); err != nil {
		return nil, airquality.NewDataProcessingError("spool grid payload", err)
	}
	defer func() {
		if err := os.Remove(spool); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("file", spool).Msg("failed to remove spool file")
		}
	}()

	bbox := req.BBox
	ms, err := s.extractor.Extract(ctx, spool, grid.Request{
		VariablePath: req.Pollutant.VariablePath,
		Parameter:    req.Pollutant.Name,
		Limit:        req.Limit,
		BBox:         &bbox,
		Options:      s.options,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("grid payload could not be extracted")
		return nil, nil
	}
	return ms, nil
}

func fatal(err error) bool {
	return errors.Is(err, airquality.ErrAuthentication) ||
		errors.Is(err, airquality.ErrValidation) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Build returns the named strategies in order. Unknown names are an error.
func Build(names []string, search *SearchStrategy, subset *SubsetStrategy) ([]airquality.Strategy, error) {
	out := make([]airquality.Strategy, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case StrategySearch:
			if search == nil {
				return nil, fmt.Errorf("strategy %q is not configured", name)
			}
			out = append(out, search)
		case StrategySubset:
			if subset == nil {
				return nil, fmt.Errorf("strategy %q is not configured", name)
			}
			out = append(out, subset)
		default:
			return nil, fmt.Errorf("unknown acquisition strategy %q", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no acquisition strategies configured")
	}
	return out, nil
}
