// Package api provides the HTTP API for TEMPO pollutant acquisition.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/acquisitionlog"
	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/api/handler"
	"github.com/constelar/constelar/internal/api/middleware"
	"github.com/constelar/constelar/internal/cache"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	// Acquirer serves the measurement routes. *airquality.Service in production.
	Acquirer handler.Acquirer
	Registry *airquality.Registry

	Cache          *cache.Store
	Upstreams      *resilience.Registry
	Credential     earthdata.Credential
	Strategies     []string
	AcquisitionLog acquisitionlog.Repository
	Database       handler.Pinger

	// RateLimitPerMinute bounds measurement requests per client IP
	// (default: 60).
	RateLimitPerMinute int
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "constelar-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))

	registry := cfg.Registry
	if registry == nil {
		registry = airquality.NewRegistry(airquality.DefaultPollutants())
	}

	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:        cfg.Version,
		BuildTime:      cfg.BuildTime,
		Cache:          cfg.Cache,
		Upstreams:      cfg.Upstreams,
		Credential:     cfg.Credential,
		Strategies:     cfg.Strategies,
		AcquisitionLog: cfg.AcquisitionLog,
		Database:       cfg.Database,
	})
	pollutantsHandler := handler.NewPollutantsHandler(registry)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
			r.Get("/acquisitions", opsHandler.RecentAcquisitions)
		})

		r.Get("/pollutants", pollutantsHandler.List)
		r.Get("/pollutants/{code}", pollutantsHandler.Get)

		// Each measurement request may download granules, so it is limited per IP.
		if cfg.Acquirer != nil {
			measurements := handler.NewMeasurementsHandler(cfg.Acquirer)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitByIP(middleware.PerMinute(cfg.RateLimitPerMinute)))
				r.Get("/measurements", measurements.Get)
				r.Get("/normalized", measurements.Get)
			})
		}
	})

	return r
}
