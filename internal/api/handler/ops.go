// Package handler provides HTTP handlers for the acquisition API.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/constelar/constelar/internal/acquisitionlog"
	"github.com/constelar/constelar/internal/api/models"
	"github.com/constelar/constelar/internal/api/response"
	"github.com/constelar/constelar/internal/cache"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/provider/resilience"
)

const (
	defaultAcquisitionPage = 50
	maxAcquisitionPage     = 500
)

// Pinger checks a backing store. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsConfig holds the dependencies reported by the ops endpoints. Nil
// fields are omitted from the status document.
type OpsConfig struct {
	Version        string
	BuildTime      string
	Cache          *cache.Store
	Upstreams      *resilience.Registry
	Credential     earthdata.Credential
	Strategies     []string
	AcquisitionLog acquisitionlog.Repository
	Database       Pinger
	Now            func() time.Time
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
	now func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &OpsHandler{cfg: cfg, now: now}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]any{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. It fails when the database is
// configured but unreachable.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Database.Ping(ctx); err != nil {
			response.ServiceUnavailable(w, r, "database unreachable")
			return
		}
	}
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
	})
}

// SystemStatus handles GET /v1/ops/status - cache, credential and upstream
// state. Open circuits and an expired token degrade the overall status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(now),
		Credential: h.credentialStatus(now),
		Providers:  []models.ProviderStatus{},
		Strategies: h.cfg.Strategies,
	}

	if !status.Credential.Configured || status.Credential.Expired {
		status.Status = models.HealthStatusDegraded
	}

	if c := h.cfg.Cache; c != nil {
		files, bytes := c.Usage()
		status.Cache = &models.CacheStatus{Dir: c.Dir(), Files: files, Bytes: bytes, MaxBytes: c.MaxBytes()}
	}

	if h.cfg.Upstreams != nil {
		for _, u := range h.cfg.Upstreams.Snapshot() {
			p := providerStatus(u)
			if p.Status != models.HealthStatusOK {
				status.Status = models.HealthStatusDegraded
			}
			status.Providers = append(status.Providers, p)
		}
	}

	if h.cfg.Database != nil {
		sub := models.SubsystemStatus{Name: "postgres", Status: models.HealthStatusOK}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.cfg.Database.Ping(ctx); err != nil {
			detail := err.Error()
			sub.Status = models.HealthStatusFail
			sub.Detail = &detail
			status.Status = models.HealthStatusDegraded
		}
		cancel()
		status.Subsystems = append(status.Subsystems, sub)
	}

	response.JSON(w, r, http.StatusOK, status)
}

// RecentAcquisitions handles GET /v1/ops/acquisitions?limit=.
func (h *OpsHandler) RecentAcquisitions(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AcquisitionLog == nil {
		response.ServiceUnavailable(w, r, "acquisition log is not configured")
		return
	}

	limit := defaultAcquisitionPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAcquisitionPage {
			response.BadRequest(w, r, "invalid query parameters", []models.FieldError{{
				Field:   "limit",
				Message: "must be an integer between 1 and " + strconv.Itoa(maxAcquisitionPage),
				Code:    "range",
			}})
			return
		}
		limit = n
	}

	entries, err := h.cfg.AcquisitionLog.Recent(r.Context(), limit)
	if err != nil {
		response.InternalError(w, r, "failed to read acquisition log")
		return
	}

	list := models.AcquisitionList{Items: make([]models.AcquisitionEntry, 0, len(entries))}
	for _, e := range entries {
		list.Items = append(list.Items, models.AcquisitionEntry{
			ID:         e.ID,
			Pollutant:  e.Pollutant,
			BBox:       e.BBox,
			Start:      models.Timestamp(e.Start),
			End:        models.Timestamp(e.End),
			Limit:      e.Limit,
			Strategy:   e.Strategy,
			Source:     e.Source,
			Count:      e.Count,
			DurationMS: e.Duration.Milliseconds(),
			Error:      e.Error,
			CreatedAt:  models.Timestamp(e.CreatedAt),
		})
	}
	response.JSON(w, r, http.StatusOK, list)
}

func (h *OpsHandler) credentialStatus(now time.Time) models.CredentialStatus {
	c := h.cfg.Credential
	out := models.CredentialStatus{Configured: c.Configured(), Subject: c.Subject()}
	if exp, ok := c.ExpiresAt(); ok {
		out.ExpiresAt = models.TimestampPtr(&exp)
		out.Expired = !now.Before(exp)
	}
	return out
}

func providerStatus(u resilience.UpstreamHealth) models.ProviderStatus {
	p := models.ProviderStatus{
		Provider:      u.Name,
		CircuitState:  u.CircuitState.String(),
		Requests:      u.Counts.Requests,
		Failures:      u.Counts.TotalFailures,
		LastSuccessAt: models.TimestampPtr(u.LastSuccessAt),
		LastFailureAt: models.TimestampPtr(u.LastFailureAt),
	}
	switch u.Status() {
	case resilience.StatusUnavailable:
		p.Status = models.HealthStatusFail
	case resilience.StatusDegraded:
		p.Status = models.HealthStatusDegraded
	default:
		p.Status = models.HealthStatusOK
	}
	if u.LastError != "" {
		msg := u.LastError
		p.Message = &msg
	}
	return p
}
