package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/api/models"
	"github.com/constelar/constelar/internal/api/response"
)

// PollutantsHandler describes the supported pollutants.
type PollutantsHandler struct {
	registry *airquality.Registry
}

// NewPollutantsHandler creates a new PollutantsHandler.
func NewPollutantsHandler(registry *airquality.Registry) *PollutantsHandler {
	return &PollutantsHandler{registry: registry}
}

// List handles GET /v1/pollutants.
func (h *PollutantsHandler) List(w http.ResponseWriter, r *http.Request) {
	codes := h.registry.All()
	list := models.PollutantList{Items: make([]models.Pollutant, 0, len(codes))}
	for _, code := range codes {
		cfg, err := h.registry.Get(code)
		if err != nil {
			continue
		}
		list.Items = append(list.Items, toPollutant(cfg))
	}
	response.JSON(w, r, http.StatusOK, list)
}

// Get handles GET /v1/pollutants/{code}. Aliases such as "ozone" resolve
// to their canonical code.
func (h *PollutantsHandler) Get(w http.ResponseWriter, r *http.Request) {
	code := airquality.NormalizeCode(chi.URLParam(r, "code"))
	cfg, err := h.registry.Get(code)
	if err != nil {
		response.NotFound(w, r, err.Error())
		return
	}
	response.JSON(w, r, http.StatusOK, toPollutant(cfg))
}

func toPollutant(c airquality.PollutantConfig) models.Pollutant {
	return models.Pollutant{
		Code:         c.Name,
		DatasetID:    c.DatasetID,
		VariablePath: c.VariablePath,
		CoverageKey:  c.CoverageKey,
		Description:  c.Description,
		HealthImpact: c.HealthImpact,
	}
}
