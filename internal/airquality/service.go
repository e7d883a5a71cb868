package airquality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/constelar/constelar/internal/airquality"

// Limits applied to Query.Limit.
const (
	DefaultLimit      = 100
	MaxLimit          = 500
	DefaultRadiusM    = 80000.0
	DefaultWindowSpan = 48 * time.Hour
)

// DefaultSource tags results when no strategy produced anything.
const DefaultSource = "nasa-tempo"

// Request is a validated acquisition request handed to a Strategy.
type Request struct {
	Pollutant PollutantConfig
	BBox      BoundingBox
	Window    TimeWindow
	Limit     int
}

// Strategy is one acquisition path. An empty slice with a nil error means
// the strategy found no data.
type Strategy interface {
	// Name identifies the strategy in logs and configuration.
	Name() string

	// Source is the tag attached to measurements it produces.
	Source() string

	// Acquire fetches at most req.Limit measurements.
	Acquire(ctx context.Context, req Request) ([]Measurement, error)
}

// Query is an unvalidated acquisition request as received from callers.
type Query struct {
	Pollutant string
	BBox      string
	Lat       *float64
	Lon       *float64
	RadiusM   float64
	Start     *time.Time
	End       *time.Time

	// Limit nil selects the service default. An explicit value must be
	// within 1..MaxLimit.
	Limit *int
}

// AcquisitionRecord summarizes one Acquire call for auditing.
type AcquisitionRecord struct {
	Pollutant string
	BBox      string
	Start     time.Time
	End       time.Time
	Limit     int
	Strategy  string
	Source    string
	Count     int
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// Recorder persists acquisition records.
type Recorder interface {
	Record(ctx context.Context, rec AcquisitionRecord) error
}

// ServiceConfig holds configuration for the acquisition service.
type ServiceConfig struct {
	// Registry resolves pollutant codes.
	Registry *Registry

	// Strategies are tried in order until one returns measurements.
	Strategies []Strategy

	// Recorder receives one record per acquisition (optional).
	Recorder Recorder

	// Logger for service operations.
	Logger zerolog.Logger

	// DefaultLimit applies when Query.Limit is nil (default: 100).
	DefaultLimit int

	// DefaultRadiusM applies to point queries without a radius (default: 80km).
	DefaultRadiusM float64

	// WindowSpan is the default look-back when no start is given (default: 48h).
	WindowSpan time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service orchestrates validation, bbox resolution and strategy fallback.
type Service struct {
	registry     *Registry
	strategies   []Strategy
	recorder     Recorder
	logger       zerolog.Logger
	defaultLimit int
	radiusM      float64
	windowSpan   time.Duration
	now          func() time.Time

	acquisitions metric.Int64Counter
	measurements metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewService creates a new acquisition service.
func NewService(cfg ServiceConfig) *Service {
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 || defaultLimit > MaxLimit {
		defaultLimit = DefaultLimit
	}

	radius := cfg.DefaultRadiusM
	if radius <= 0 {
		radius = DefaultRadiusM
	}

	span := cfg.WindowSpan
	if span <= 0 {
		span = DefaultWindowSpan
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(DefaultPollutants())
	}

	s := &Service{
		registry:     registry,
		strategies:   cfg.Strategies,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger.With().Str("component", "acquisition").Logger(),
		defaultLimit: defaultLimit,
		radiusM:      radius,
		windowSpan:   span,
		now:          now,
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	var err error
	if s.acquisitions, err = meter.Int64Counter("acquisition.total",
		metric.WithDescription("Acquisition requests by pollutant, strategy and outcome"),
		metric.WithUnit("{request}")); err != nil {
		s.acquisitions, _ = fallback.Int64Counter("acquisition.total")
	}
	if s.measurements, err = meter.Int64Counter("acquisition.measurements",
		metric.WithDescription("Measurements returned to callers"),
		metric.WithUnit("{measurement}")); err != nil {
		s.measurements, _ = fallback.Int64Counter("acquisition.measurements")
	}
	if s.duration, err = meter.Float64Histogram("acquisition.duration",
		metric.WithDescription("Duration of acquisitions in seconds"),
		metric.WithUnit("s")); err != nil {
		s.duration, _ = fallback.Float64Histogram("acquisition.duration")
	}
}

// Registry returns the pollutant registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Resolve validates a query and turns it into a strategy request.
func (s *Service) Resolve(q Query) (Request, error) {
	code := NormalizeCode(q.Pollutant)
	if code == "" {
		return Request{}, NewValidationError("pollutant is required", nil)
	}
	pollutant, err := s.registry.Get(code)
	if err != nil {
		return Request{}, err
	}

	limit := s.defaultLimit
	if q.Limit != nil {
		limit = *q.Limit
	}
	if limit < 1 || limit > MaxLimit {
		return Request{}, NewValidationError(fmt.Sprintf("limit must be between 1 and %d", MaxLimit), nil)
	}

	bbox, err := s.resolveBBox(q)
	if err != nil {
		return Request{}, err
	}

	window, err := s.resolveWindow(q)
	if err != nil {
		return Request{}, err
	}

	return Request{Pollutant: pollutant, BBox: bbox, Window: window, Limit: limit}, nil
}

func (s *Service) resolveBBox(q Query) (BoundingBox, error) {
	hasPoint := q.Lat != nil || q.Lon != nil
	switch {
	case q.BBox != "" && hasPoint:
		return BoundingBox{}, NewValidationError("provide either bbox or lat/lon, not both", nil)
	case q.BBox != "":
		return ParseBoundingBox(q.BBox)
	case q.Lat != nil && q.Lon != nil:
		radius := q.RadiusM
		if radius == 0 {
			radius = s.radiusM
		}
		return BoundingBoxFromPoint(*q.Lat, *q.Lon, radius)
	case hasPoint:
		return BoundingBox{}, NewValidationError("lat and lon must be provided together", nil)
	default:
		return BoundingBox{}, NewValidationError("either bbox or lat/lon is required", nil)
	}
}

func (s *Service) resolveWindow(q Query) (TimeWindow, error) {
	end := s.now().UTC()
	if q.End != nil {
		end = q.End.UTC()
	}
	w := DefaultWindow(end, s.windowSpan)
	if q.Start != nil {
		w.Start = q.Start.UTC()
	}
	return w, w.Validate()
}

// Acquire validates q, runs the strategies in order and returns at most
// q.Limit measurements from the first strategy that found any.
func (s *Service) Acquire(ctx context.Context, q Query) (AcquisitionResult, error) {
	req, err := s.Resolve(q)
	if err != nil {
		return AcquisitionResult{}, err
	}
	return s.AcquireRequest(ctx, req)
}

// AcquireRequest runs the strategies for an already validated request.
func (s *Service) AcquireRequest(ctx context.Context, req Request) (AcquisitionResult, error) {
	start := time.Now()
	result, strategy, err := s.run(ctx, req)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("pollutant", req.Pollutant.Name),
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	)
	s.acquisitions.Add(ctx, 1, attrs)
	s.measurements.Add(ctx, int64(len(result.Results)), attrs)
	s.duration.Record(ctx, elapsed.Seconds(), attrs)

	s.record(ctx, req, result, strategy, elapsed, err)

	if err != nil {
		return AcquisitionResult{}, err
	}

	s.logger.Info().
		Str("pollutant", req.Pollutant.Name).
		Str("bbox", req.BBox.String()).
		Str("strategy", strategy).
		Int("count", len(result.Results)).
		Dur("duration", elapsed).
		Msg("acquisition completed")

	return result, nil
}

func (s *Service) run(ctx context.Context, req Request) (AcquisitionResult, string, error) {
	empty := AcquisitionResult{Source: DefaultSource, Results: []Measurement{}}
	if len(s.strategies) == 0 {
		return empty, "", NewDataSourceError("no acquisition strategy configured", nil)
	}
	empty.Source = s.strategies[0].Source()

	var (
		lastErr   error
		succeeded bool
		lastName  string
	)
	for _, strategy := range s.strategies {
		lastName = strategy.Name()
		ms, err := strategy.Acquire(ctx, req)
		if err != nil {
			if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrValidation) {
				return empty, lastName, err
			}
			if ctx.Err() != nil {
				return empty, lastName, NewDataSourceError("acquisition cancelled", ctx.Err())
			}
			s.logger.Warn().Err(err).
				Str("strategy", lastName).
				Str("pollutant", req.Pollutant.Name).
				Msg("strategy failed, trying next")
			lastErr = err
			continue
		}

		succeeded = true
		if len(ms) == 0 {
			s.logger.Debug().Str("strategy", lastName).Msg("strategy returned no data")
			continue
		}

		if len(ms) > req.Limit {
			ms = ms[:req.Limit]
		}
		return AcquisitionResult{Source: strategy.Source(), Results: ms}, lastName, nil
	}

	if !succeeded && lastErr != nil {
		if !IsKnown(lastErr) {
			lastErr = NewDataSourceError("acquisition failed", lastErr)
		}
		return empty, lastName, lastErr
	}
	return empty, lastName, nil
}

func (s *Service) record(ctx context.Context, req Request, result AcquisitionResult, strategy string, elapsed time.Duration, err error) {
	if s.recorder == nil {
		return
	}
	rec := AcquisitionRecord{
		Pollutant: req.Pollutant.Name,
		BBox:      req.BBox.String(),
		Start:     req.Window.Start,
		End:       req.Window.End,
		Limit:     req.Limit,
		Strategy:  strategy,
		Source:    result.Source,
		Count:     len(result.Results),
		Duration:  elapsed,
		CreatedAt: s.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := s.recorder.Record(ctx, rec); recErr != nil {
		s.logger.Warn().Err(recErr).Msg("failed to record acquisition")
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrDataProcessing):
		return "processing"
	default:
		return "source"
	}
}
