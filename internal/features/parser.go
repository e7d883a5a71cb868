// Package features converts GeoJSON point payloads into measurements.
package features

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/constelar/constelar/internal/airquality"
)

var (
	valueKeys     = []string{"value", "measurement", "mean", "average"}
	unitKeys      = []string{"unit", "units"}
	timestampKeys = []string{"datetime", "time", "timestamp"}
)

// Parser decodes feature collections.
type Parser struct {
	// Source tags every measurement.
	Source string
}

// envelope keeps features raw so one malformed feature does not reject the
// whole collection.
type envelope struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

// coordinatesProbe checks point arity before orb fills missing axes with zero.
type coordinatesProbe struct {
	Geometry *struct {
		Type        string            `json:"type"`
		Coordinates []json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
}

// Parse returns up to limit measurements from the point features of payload,
// in payload order. Features that are not points or lack a finite value or
// a timestamp are skipped. A limit of zero means no limit.
func (p Parser) Parse(payload []byte, parameter string, limit int) ([]airquality.Measurement, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, airquality.NewDataProcessingError("decode feature collection", err)
	}

	out := make([]airquality.Measurement, 0)
	for _, raw := range env.Features {
		if limit > 0 && len(out) >= limit {
			break
		}

		var probe coordinatesProbe
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Geometry == nil {
			continue
		}
		if probe.Geometry.Type != "Point" || len(probe.Geometry.Coordinates) < 2 {
			continue
		}

		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			continue
		}
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}

		value, ok := numberProperty(f.Properties, valueKeys)
		if !ok {
			continue
		}
		tsText, ok := stringProperty(f.Properties, timestampKeys)
		if !ok {
			continue
		}
		ts, ok := airquality.ParseTimestamp(tsText)
		if !ok {
			continue
		}
		unit, _ := stringProperty(f.Properties, unitKeys)

		m, err := airquality.NewMeasurement(pt.Lat(), pt.Lon(), parameter, value, unit, ts, p.Source)
		if err != nil {
			continue
		}
		out = append(out, m)
	}

	return out, nil
}

func numberProperty(props geojson.Properties, keys []string) (float64, bool) {
	for _, k := range keys {
		raw, ok := props[k]
		if !ok || raw == nil {
			continue
		}
		var v float64
		switch t := raw.(type) {
		case float64:
			v = t
		case json.Number:
			f, err := t.Float64()
			if err != nil {
				return 0, false
			}
			v = f
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return 0, false
			}
			v = f
		default:
			return 0, false
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func stringProperty(props geojson.Properties, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := props[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
