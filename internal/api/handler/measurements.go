package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/api/models"
	"github.com/constelar/constelar/internal/api/response"
)

// Acquirer runs one acquisition.
type Acquirer interface {
	Acquire(ctx context.Context, q airquality.Query) (airquality.AcquisitionResult, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("query"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// MeasurementsHandler serves normalized TEMPO measurements.
type MeasurementsHandler struct {
	acquirer Acquirer
}

// NewMeasurementsHandler creates a new MeasurementsHandler.
func NewMeasurementsHandler(acquirer Acquirer) *MeasurementsHandler {
	return &MeasurementsHandler{acquirer: acquirer}
}

// Get handles GET /v1/measurements and its /v1/normalized alias.
func (h *MeasurementsHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, fieldErrs := parseMeasurementsQuery(r.URL.Query())
	if len(fieldErrs) > 0 {
		response.BadRequest(w, r, "invalid query parameters", fieldErrs)
		return
	}
	if err := validate.Struct(q); err != nil {
		response.BadRequest(w, r, "invalid query parameters", fieldErrors(err))
		return
	}

	result, err := h.acquirer.Acquire(r.Context(), airquality.Query{
		Pollutant: q.Pollutant,
		BBox:      q.BBox,
		Lat:       q.Lat,
		Lon:       q.Lon,
		RadiusM:   q.RadiusM,
		Start:     q.Start,
		End:       q.End,
		Limit:     q.Limit,
	})
	if err != nil {
		response.AcquisitionError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// parseMeasurementsQuery decodes the raw parameters. "parameter" is
// accepted as an alias of "pollutant".
func parseMeasurementsQuery(v url.Values) (models.MeasurementsQuery, []models.FieldError) {
	var (
		q    models.MeasurementsQuery
		errs []models.FieldError
	)

	q.Pollutant = strings.TrimSpace(v.Get("pollutant"))
	if q.Pollutant == "" {
		q.Pollutant = strings.TrimSpace(v.Get("parameter"))
	}
	q.BBox = strings.TrimSpace(v.Get("bbox"))

	parseFloat := func(name string) *float64 {
		raw := strings.TrimSpace(v.Get(name))
		if raw == "" {
			return nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, models.FieldError{Field: name, Message: "must be a number", Code: "number"})
			return nil
		}
		return &f
	}
	parseTime := func(name string) *time.Time {
		raw := strings.TrimSpace(v.Get(name))
		if raw == "" {
			return nil
		}
		t, ok := airquality.ParseTimestamp(raw)
		if !ok {
			errs = append(errs, models.FieldError{Field: name, Message: "must be an ISO 8601 timestamp", Code: "datetime"})
			return nil
		}
		return &t
	}

	q.Lat = parseFloat("lat")
	q.Lon = parseFloat("lon")
	if radius := parseFloat("radius_m"); radius != nil {
		q.RadiusM = *radius
	}
	q.Start = parseTime("start")
	q.End = parseTime("end")

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, models.FieldError{Field: "limit", Message: "must be an integer", Code: "integer"})
		} else {
			q.Limit = &n
		}
	}

	return q, errs
}

func fieldErrors(err error) []models.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []models.FieldError{{Field: "query", Message: err.Error(), Code: "invalid"}}
	}
	out := make([]models.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, models.FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
			Code:    fe.Tag(),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
