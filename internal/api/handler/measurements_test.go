package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/api/handler"
	"github.com/constelar/constelar/internal/api/models"
)

type fakeAcquirer struct {
	got    airquality.Query
	calls  int
	result airquality.AcquisitionResult
	err    error
}

func (f *fakeAcquirer) Acquire(_ context.Context, q airquality.Query) (airquality.AcquisitionResult, error) {
	f.calls++
	f.got = q
	return f.result, f.err
}

func serveMeasurements(t *testing.T, acq *fakeAcquirer, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.NewMeasurementsHandler(acq).Get(rec, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return rec
}

func problemOf(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	var p models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestMeasurements_Success(t *testing.T) {
	ts := time.Date(2024, 8, 1, 17, 0, 0, 0, time.UTC)
	m, err := airquality.NewMeasurement(34.05, -118.25, "o3", 0.031, "ppm", ts, "nasa-tempo")
	require.NoError(t, err)
	acq := &fakeAcquirer{result: airquality.AcquisitionResult{Source: "nasa-tempo", Results: []airquality.Measurement{m}}}

	rec := serveMeasurements(t, acq,
		"/v1/measurements?pollutant=o3&lat=34.05&lon=-118.25&radius_m=5000&start=2024-08-01T00:00:00Z&end=2024-08-02T00:00:00Z&limit=2")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "o3", acq.got.Pollutant)
	require.NotNil(t, acq.got.Lat)
	require.NotNil(t, acq.got.Lon)
	assert.Equal(t, 34.05, *acq.got.Lat)
	assert.Equal(t, -118.25, *acq.got.Lon)
	assert.Equal(t, 5000.0, acq.got.RadiusM)
	require.NotNil(t, acq.got.Limit)
	assert.Equal(t, 2, *acq.got.Limit)
	require.NotNil(t, acq.got.Start)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), acq.got.Start.UTC())

	var body struct {
		Source  string  `json:"source"`
		Results [][]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "nasa-tempo", body.Source)
	require.Len(t, body.Results, 1)
	assert.Equal(t, []any{34.05, -118.25, "o3", 0.031, "ppm", "2024-08-01T17:00:00Z"}, body.Results[0])
}

func TestMeasurements_ParameterAlias(t *testing.T) {
	acq := &fakeAcquirer{}
	rec := serveMeasurements(t, acq, "/v1/normalized?parameter=no2&bbox=-99,19,-98,20")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no2", acq.got.Pollutant)
	assert.Equal(t, "-99,19,-98,20", acq.got.BBox)
	assert.JSONEq(t, `{"source":"","results":[]}`, rec.Body.String())
}

func TestMeasurements_InvalidQuery(t *testing.T) {
	cases := []struct {
		name  string
		query string
		field string
		code  string
	}{
		{"missing pollutant", "bbox=-99,19,-98,20", "pollutant", "required"},
		{"latitude not a number", "pollutant=no2&lat=north&lon=1", "lat", "number"},
		{"latitude out of range", "pollutant=no2&lat=95&lon=1", "lat", "lte"},
		{"limit too large", "pollutant=no2&bbox=-99,19,-98,20&limit=900", "limit", "lte"},
		{"limit zero", "pollutant=no2&bbox=-99,19,-98,20&limit=0", "limit", "gte"},
		{"negative radius", "pollutant=no2&lat=1&lon=1&radius_m=-5", "radius_m", "gte"},
		{"bad start", "pollutant=no2&bbox=-99,19,-98,20&start=yesterday", "start", "datetime"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acq := &fakeAcquirer{}
			rec := serveMeasurements(t, acq, "/v1/measurements?"+tc.query)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, acq.calls)
			p := problemOf(t, rec)
			require.NotEmpty(t, p.Errors)
			assert.Equal(t, tc.field, p.Errors[0].Field)
			assert.Equal(t, tc.code, p.Errors[0].Code)
		})
	}
}

func TestMeasurements_AcquisitionErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{airquality.NewValidationError("unsupported pollutant \"pm10\"", nil), http.StatusBadRequest},
		{airquality.NewAuthenticationError("earthdata token expired", nil), http.StatusUnauthorized},
		{&airquality.DataSourceError{Message: "harmony coverage request failed", Status: 500}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		rec := serveMeasurements(t, &fakeAcquirer{err: tc.err}, "/v1/measurements?pollutant=no2&bbox=-99,19,-98,20")
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}
