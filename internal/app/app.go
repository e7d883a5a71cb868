// Package app assembles the acquisition pipeline shared by the API server
// and the worker.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/acquisitionlog"
	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/cache"
	"github.com/constelar/constelar/internal/config"
	"github.com/constelar/constelar/internal/database"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/earthdata/cmr"
	"github.com/constelar/constelar/internal/earthdata/harmony"
	"github.com/constelar/constelar/internal/grid"
	"github.com/constelar/constelar/internal/grid/h5"
	"github.com/constelar/constelar/internal/provider/resilience"
	"github.com/constelar/constelar/internal/telemetry"
	"github.com/constelar/constelar/internal/tempo"
)

// Pipeline holds the wired components.
type Pipeline struct {
	Registry   *airquality.Registry
	Cache      *cache.Store
	Credential earthdata.Credential
	Upstreams  *resilience.Registry

	Search     *tempo.SearchStrategy
	Subset     *tempo.SubsetStrategy
	Strategies []airquality.Strategy
	Service    *airquality.Service

	AcquisitionLog acquisitionlog.Repository

	// Pool is nil when DATABASE_URL is unset.
	Pool *pgxpool.Pool
}

// Build wires the pipeline from cfg. The caller must Close it.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		Registry:   airquality.NewRegistry(cfg.Pollutants),
		Credential: earthdata.NewCredential(cfg.EarthdataToken),
		Upstreams:  resilience.NewRegistry(),
	}

	store, err := cache.New(cache.Config{
		Dir:      cfg.Cache.Dir,
		MaxBytes: cfg.Cache.MaxBytes,
		MaxAge:   cfg.Cache.MaxAge,
	}, log)
	if err != nil {
		return nil, err
	}
	p.Cache = store

	if !p.Credential.Configured() {
		log.Warn().Msg("EARTHDATA_TOKEN not set; NASA requests will fail")
	} else if exp, ok := p.Credential.ExpiresAt(); ok {
		log.Info().Time("expires_at", exp).Str("subject", p.Credential.Subject()).Msg("earthdata token loaded")
	}

	metrics := telemetry.NewUpstreamMetrics()

	cmrClient := cmr.NewClient(cmr.ClientConfig{
		BaseURL:    cfg.CMRURL,
		Registry:   p.Upstreams,
		Metrics:    metrics,
		Credential: p.Credential,
		Cache:      store,
		Logger:     log,
	})
	harmonyClient := harmony.NewClient(harmony.ClientConfig{
		RootURL:    cfg.HarmonyRoot,
		Registry:   p.Upstreams,
		Metrics:    metrics,
		Credential: p.Credential,
		Logger:     log,
	})

	openers := []grid.Opener{h5.Opener{}}
	p.Search = tempo.NewSearchStrategy(tempo.SearchConfig{
		Granules: cmrClient,
		Extractor: grid.NewExtractor(grid.Config{
			Openers:               openers,
			Source:                tempo.SourceSearch,
			IgnoreObservationTime: !cfg.UseObservationTime,
			Logger:                log,
		}),
		Options: cfg.Grid,
		Logger:  log,
	})
	p.Subset = tempo.NewSubsetStrategy(tempo.SubsetConfig{
		Subsets: harmonyClient,
		Extractor: grid.NewExtractor(grid.Config{
			Openers:               openers,
			Source:                tempo.SourceSubset,
			IgnoreObservationTime: !cfg.UseObservationTime,
			Logger:                log,
		}),
		Options:  cfg.Grid,
		SpoolDir: store.Dir(),
		Logger:   log,
	})

	if p.Strategies, err = tempo.Build(cfg.Strategies, p.Search, p.Subset); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, database.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			return nil, err
		}
		repo := acquisitionlog.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		p.Pool = pool
		p.AcquisitionLog = repo
		log.Info().Msg("acquisition log backed by postgres")
	} else {
		p.AcquisitionLog = acquisitionlog.NewInMemoryRepository(cfg.AcquisitionLogCap)
	}

	p.Service = airquality.NewService(airquality.ServiceConfig{
		Registry:       p.Registry,
		Strategies:     p.Strategies,
		Recorder:       p.AcquisitionLog,
		Logger:         log,
		DefaultLimit:   cfg.DefaultLimit,
		DefaultRadiusM: cfg.DefaultRadiusM,
		WindowSpan:     cfg.WindowSpan,
	})

	return p, nil
}

// StrategyNames lists the active strategies in order.
func (p *Pipeline) StrategyNames() []string {
	out := make([]string, 0, len(p.Strategies))
	for _, s := range p.Strategies {
		out = append(out, s.Name())
	}
	return out
}

// Close releases the database pool.
func (p *Pipeline) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// Logger builds the root logger at level.
func Logger(service, version, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger(), nil
}
