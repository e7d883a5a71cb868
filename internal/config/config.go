// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/grid"
	"github.com/constelar/constelar/internal/tempo"
)

const bytesPerGB = 1 << 30

// Config is the complete service configuration.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// DotEnvLoaded reports whether a .env file was read.
	DotEnvLoaded bool

	Cache Cache

	// Acquisition defaults.
	WindowSpan     time.Duration
	DefaultLimit   int
	DefaultRadiusM float64
	Strategies     []string

	// Grid extraction.
	UseObservationTime bool
	Grid               grid.Options

	Pollutants []airquality.PollutantConfig

	// Upstreams.
	EarthdataToken string
	CMRURL         string
	HarmonyRoot    string

	DatabaseURL       string
	AcquisitionLogCap int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool

	RateLimitPerMinute int

	PubSubProjectID      string
	PubSubSubscriptionID string

	// PrefetchInterval schedules cache warming; zero disables it.
	PrefetchInterval time.Duration
	PrefetchTargets  string
}

// Cache configures the granule cache and its janitor.
type Cache struct {
	Dir             string
	MaxBytes        int64
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from the environment with defaults. Malformed
// values are errors; a missing .env file is not.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := godotenv.Load(); err == nil {
		cfg.DotEnvLoaded = true
	}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.Environment = getenvDefault("ENVIRONMENT", "development")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	var err error
	cfg.Cache.Dir = getenvDefault("CACHE_DIR", "./.cache/tempo")
	maxGB, err := getenvFloat("CACHE_MAX_GB", 5)
	if err != nil {
		return nil, err
	}
	cfg.Cache.MaxBytes = int64(maxGB * bytesPerGB)
	maxAgeHours, err := getenvFloat("CACHE_MAX_AGE_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.Cache.MaxAge = time.Duration(maxAgeHours * float64(time.Hour))
	cleanupMinutes, err := getenvInt("CACHE_CLEANUP_INTERVAL", 30)
	if err != nil {
		return nil, err
	}
	cfg.Cache.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	windowHours, err := getenvFloat("WINDOW_HOURS", 48)
	if err != nil {
		return nil, err
	}
	if windowHours <= 0 {
		return nil, fmt.Errorf("invalid WINDOW_HOURS: must be positive")
	}
	cfg.WindowSpan = time.Duration(windowHours * float64(time.Hour))

	if cfg.DefaultLimit, err = getenvInt("DEFAULT_LIMIT", airquality.DefaultLimit); err != nil {
		return nil, err
	}
	if cfg.DefaultLimit < 1 || cfg.DefaultLimit > airquality.MaxLimit {
		return nil, fmt.Errorf("invalid DEFAULT_LIMIT: must be between 1 and %d", airquality.MaxLimit)
	}
	if cfg.DefaultRadiusM, err = getenvFloat("DEFAULT_RADIUS_M", airquality.DefaultRadiusM); err != nil {
		return nil, err
	}

	cfg.Strategies = splitList(getenvDefault("ACQUISITION_STRATEGIES",
		tempo.StrategySearch+","+tempo.StrategySubset))
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("invalid ACQUISITION_STRATEGIES: empty")
	}

	if cfg.Grid, cfg.UseObservationTime, err = loadGridOptions(); err != nil {
		return nil, err
	}

	cfg.Pollutants = loadPollutants()

	cfg.EarthdataToken = firstEnv("EARTHDATA_TOKEN", "NASA_EARTHDATA_TOKEN", "HARMONY_AUTH_TOKEN")
	cfg.CMRURL = strings.TrimRight(getenvDefault("CMR_URL", "https://cmr.earthdata.nasa.gov"), "/")
	cfg.HarmonyRoot = strings.TrimRight(getenvDefault("HARMONY_ROOT", "https://harmony.earthdata.nasa.gov"), "/")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.AcquisitionLogCap, err = getenvInt("ACQUISITION_LOG_SIZE", 1000); err != nil {
		return nil, err
	}

	if cfg.OTelEnabled, err = getenvBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.OTelEndpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	if cfg.OTelSampleRatio, err = getenvFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.RequireTLS, err = getenvBool("REQUIRE_TLS", false); err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute, err = getenvInt("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return nil, err
	}

	cfg.PubSubProjectID = os.Getenv("PUBSUB_PROJECT_ID")
	cfg.PubSubSubscriptionID = os.Getenv("PUBSUB_SUBSCRIPTION_ID")

	prefetchMinutes, err := getenvInt("PREFETCH_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	cfg.PrefetchInterval = time.Duration(prefetchMinutes) * time.Minute
	cfg.PrefetchTargets = os.Getenv("PREFETCH_TARGETS")

	return cfg, nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadGridOptions() (grid.Options, bool, error) {
	var opts grid.Options
	useObs, err := getenvBool("TEMPO_USE_OBS_TIME", true)
	if err != nil {
		return opts, false, err
	}
	if opts.NonNeg, err = getenvBool("TEMPO_CLAMP_NEGATIVE", true); err != nil {
		return opts, false, err
	}
	if opts.DropZero, err = getenvBool("TEMPO_DROP_ZERO", false); err != nil {
		return opts, false, err
	}
	if v := strings.TrimSpace(os.Getenv("TEMPO_MIN_VALUE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, false, fmt.Errorf("invalid TEMPO_MIN_VALUE: %w", err)
		}
		opts.MinValue = &f
	}
	if opts.Thin, err = getenvInt("TEMPO_THIN", 1); err != nil {
		return opts, false, err
	}
	if opts.Thin < 1 {
		opts.Thin = 1
	}
	return opts, useObs, nil
}

// loadPollutants applies TEMPO_<CODE>_COLLECTION, _VARIABLE and _COVERAGE
// overrides to the built-in pollutant table.
func loadPollutants() []airquality.PollutantConfig {
	pollutants := airquality.DefaultPollutants()
	for i := range pollutants {
		prefix := "TEMPO_" + strings.ToUpper(pollutants[i].Name) + "_"
		pollutants[i].DatasetID = getenvDefault(prefix+"COLLECTION", pollutants[i].DatasetID)
		pollutants[i].VariablePath = getenvDefault(prefix+"VARIABLE", pollutants[i].VariablePath)
		pollutants[i].CoverageKey = getenvDefault(prefix+"COVERAGE", pollutants[i].CoverageKey)
	}
	return pollutants
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s: %q is not a boolean", key, os.Getenv(key))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
