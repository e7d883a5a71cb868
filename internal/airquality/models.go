// Package airquality provides satellite pollutant acquisition: the value types,
// the pollutant registry and the orchestrating service.
package airquality

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the UTC timestamp format used on the wire.
const TimestampLayout = "2006-01-02T15:04:05Z"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"20060102T150405Z",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-like timestamp. Values without a zone are
// taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

const (
	metersPerDegree = 111000.0
	minCosLatitude  = 0.1
)

// BoundingBox is a rectangular geographic extent in degrees.
type BoundingBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// NewBoundingBox creates a bounding box and validates its invariants.
func NewBoundingBox(west, south, east, north float64) (BoundingBox, error) {
	b := BoundingBox{West: west, South: south, East: east, North: north}
	if err := b.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

// ParseBoundingBox parses a "west,south,east,north" string.
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, NewValidationError(fmt.Sprintf("bbox must have 4 comma-separated values, got %q", s), nil)
	}

	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, NewValidationError(fmt.Sprintf("bbox value %q is not a number", p), err)
		}
		vals[i] = v
	}

	return NewBoundingBox(vals[0], vals[1], vals[2], vals[3])
}

// BoundingBoxFromPoint builds a box of radiusM meters around a point.
// Longitude spread widens with latitude, clamped so the poles stay finite.
func BoundingBoxFromPoint(lat, lon, radiusM float64) (BoundingBox, error) {
	if _, err := NewGeoLocation(lat, lon); err != nil {
		return BoundingBox{}, err
	}
	if radiusM <= 0 || math.IsNaN(radiusM) || math.IsInf(radiusM, 0) {
		return BoundingBox{}, NewValidationError("radius must be a positive number of meters", nil)
	}

	dlat := radiusM / metersPerDegree
	dlon := radiusM / (metersPerDegree * math.Max(minCosLatitude, math.Cos(lat*math.Pi/180)))

	return NewBoundingBox(
		math.Max(-180, lon-dlon),
		math.Max(-90, lat-dlat),
		math.Min(180, lon+dlon),
		math.Min(90, lat+dlat),
	)
}

// Validate checks ordering and coordinate ranges.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError("bbox values must be finite", nil)
		}
	}
	if b.West < -180 || b.East > 180 {
		return NewValidationError("bbox longitudes must be within [-180, 180]", nil)
	}
	if b.South < -90 || b.North > 90 {
		return NewValidationError("bbox latitudes must be within [-90, 90]", nil)
	}
	if b.West >= b.East {
		return NewValidationError(fmt.Sprintf("bbox west (%g) must be less than east (%g)", b.West, b.East), nil)
	}
	if b.South >= b.North {
		return NewValidationError(fmt.Sprintf("bbox south (%g) must be less than north (%g)", b.South, b.North), nil)
	}
	return nil
}

// Contains reports whether the point lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// String renders the box as "west,south,east,north".
func (b BoundingBox) String() string {
	return strings.Join([]string{
		formatFloat(b.West),
		formatFloat(b.South),
		formatFloat(b.East),
		formatFloat(b.North),
	}, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GeoLocation is a validated latitude/longitude pair.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewGeoLocation validates and creates a location.
func NewGeoLocation(lat, lon float64) (GeoLocation, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return GeoLocation{}, NewValidationError(fmt.Sprintf("latitude %g out of range [-90, 90]", lat), nil)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return GeoLocation{}, NewValidationError(fmt.Sprintf("longitude %g out of range [-180, 180]", lon), nil)
	}
	return GeoLocation{Latitude: lat, Longitude: lon}, nil
}

// TimeWindow is a half-open observation interval.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow returns the window ending at end and spanning span.
func DefaultWindow(end time.Time, span time.Duration) TimeWindow {
	end = end.UTC()
	return TimeWindow{Start: end.Add(-span), End: end}
}

// Validate checks that the window is non-empty.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return NewValidationError("time window requires start and end", nil)
	}
	if !w.Start.Before(w.End) {
		return NewValidationError("time window start must be before end", nil)
	}
	return nil
}

// StartString formats the window start for upstream queries.
func (w TimeWindow) StartString() string { return w.Start.UTC().Format(TimestampLayout) }

// EndString formats the window end for upstream queries.
func (w TimeWindow) EndString() string { return w.End.UTC().Format(TimestampLayout) }

// Measurement is one normalized point sample.
type Measurement struct {
	Location  GeoLocation
	Parameter string
	Value     float64
	Unit      string
	Timestamp time.Time
	Source    string
}

// NewMeasurement validates and creates a measurement. The timestamp is
// normalized to UTC.
func NewMeasurement(lat, lon float64, parameter string, value float64, unit string, ts time.Time, source string) (Measurement, error) {
	loc, err := NewGeoLocation(lat, lon)
	if err != nil {
		return Measurement{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Measurement{}, NewValidationError("measurement value must be finite", nil)
	}
	return Measurement{
		Location:  loc,
		Parameter: parameter,
		Value:     value,
		Unit:      unit,
		Timestamp: ts.UTC(),
		Source:    source,
	}, nil
}

// Row returns the positional wire form [lat, lon, parameter, value, unit, timestamp].
func (m Measurement) Row() []any {
	return []any{
		m.Location.Latitude,
		m.Location.Longitude,
		m.Parameter,
		m.Value,
		m.Unit,
		m.Timestamp.UTC().Format(TimestampLayout),
	}
}

// AcquisitionResult is the normalized output of one acquisition.
type AcquisitionResult struct {
	Source  string
	Results []Measurement
}

// MarshalJSON encodes results as positional rows, preserving order.
func (r AcquisitionResult) MarshalJSON() ([]byte, error) {
	rows := make([][]any, 0, len(r.Results))
	for _, m := range r.Results {
		rows = append(rows, m.Row())
	}
	return json.Marshal(struct {
		Source  string  `json:"source"`
		Results [][]any `json:"results"`
	}{Source: r.Source, Results: rows})
}
