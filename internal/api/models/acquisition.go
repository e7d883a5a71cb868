package models

import "time"

// MeasurementsQuery is the decoded measurement query string. Tags bound
// the raw values; pairing rules (bbox versus lat/lon) are applied by the
// acquisition service.
type MeasurementsQuery struct {
	Pollutant string     `query:"pollutant" validate:"required,max=32"`
	BBox      string     `query:"bbox" validate:"max=128"`
	Lat       *float64   `query:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon       *float64   `query:"lon" validate:"omitempty,gte=-180,lte=180"`
	RadiusM   float64    `query:"radius_m" validate:"gte=0,lte=1000000"`
	Start     *time.Time `query:"start"`
	End       *time.Time `query:"end"`
	Limit     *int       `query:"limit" validate:"omitempty,gte=1,lte=500"`
}

// Pollutant describes a supported pollutant.
type Pollutant struct {
	Code         string `json:"code"`
	DatasetID    string `json:"datasetId"`
	VariablePath string `json:"variablePath"`
	CoverageKey  string `json:"coverageKey,omitempty"`
	Description  string `json:"description,omitempty"`
	HealthImpact string `json:"healthImpact,omitempty"`
}

// PollutantList wraps the supported pollutants.
type PollutantList struct {
	Items []Pollutant `json:"items"`
}
