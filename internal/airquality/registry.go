package airquality

import (
	"fmt"
	"strings"
)

// Canonical pollutant codes.
const (
	CodeNO2  = "no2"
	CodeSO2  = "so2"
	CodeO3   = "o3"
	CodeHCHO = "hcho"
)

// PollutantConfig maps a pollutant code to the dataset and variable holding it.
type PollutantConfig struct {
	// Name is the canonical lower-case code.
	Name string `json:"name"`

	// DatasetID is the collection concept id.
	DatasetID string `json:"dataset_id"`

	// VariablePath is the variable name, optionally "group/variable".
	VariablePath string `json:"variable_path"`

	// CoverageKey is an alternate collection key for the subset service.
	CoverageKey string `json:"coverage_key,omitempty"`

	Description  string `json:"description"`
	HealthImpact string `json:"health_impact"`
}

// DefaultPollutants returns the built-in TEMPO level-3 products.
func DefaultPollutants() []PollutantConfig {
	return []PollutantConfig{
		{
			Name:         CodeNO2,
			DatasetID:    "C2930725014-LARC_CLOUD",
			VariablePath: "nitrogendioxide_tropospheric_column",
			Description:  "Nitrogen dioxide, emitted mainly by road traffic and power plants.",
			HealthImpact: "Inflames the airways and aggravates asthma and other respiratory diseases.",
		},
		{
			Name:         CodeSO2,
			DatasetID:    "C2930725337-LARC_CLOUD",
			VariablePath: "sulfurdioxide_total_column",
			Description:  "Sulfur dioxide, from burning sulfur-bearing fuels and industrial processes.",
			HealthImpact: "Irritates the respiratory system and contributes to acid rain.",
		},
		{
			Name:         CodeO3,
			DatasetID:    "C2930725020-LARC_CLOUD",
			VariablePath: "ozone_total_column",
			Description:  "Ozone, formed photochemically from precursor gases in sunlight.",
			HealthImpact: "Damages lung tissue and reduces crop yields.",
		},
		{
			Name:         CodeHCHO,
			DatasetID:    "C2930725347-LARC_CLOUD",
			VariablePath: "formaldehyde_tropospheric_column",
			Description:  "Formaldehyde, released by fires and industrial activity.",
			HealthImpact: "Ozone precursor and an irritant of the eyes and airways.",
		},
	}
}

var aliases = map[string]string{
	"nitrogendioxide":  CodeNO2,
	"nitrogen_dioxide": CodeNO2,
	"sulfurdioxide":    CodeSO2,
	"sulfur_dioxide":   CodeSO2,
	"ozone":            CodeO3,
	"formaldehyde":     CodeHCHO,
	"ch2o":             CodeHCHO,
	"pm2.5":            "pm25",
	"pm_25":            "pm25",
	"pm2_5":            "pm25",
}

// NormalizeCode lower-cases a pollutant code and maps known aliases to
// their canonical spelling.
func NormalizeCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if canonical, ok := aliases[c]; ok {
		return canonical
	}
	return c
}

// Registry is a read-only lookup of pollutant configurations.
type Registry struct {
	order   []string
	entries map[string]PollutantConfig
}

// NewRegistry builds a registry. Entries without a dataset id or variable
// path are dropped; later duplicates replace earlier ones.
func NewRegistry(configs []PollutantConfig) *Registry {
	r := &Registry{entries: make(map[string]PollutantConfig, len(configs))}
	for _, c := range configs {
		if c.DatasetID == "" || c.VariablePath == "" {
			continue
		}
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" {
			continue
		}
		if _, exists := r.entries[c.Name]; !exists {
			r.order = append(r.order, c.Name)
		}
		r.entries[c.Name] = c
	}
	return r
}

// Get returns the configuration for code, case-insensitively.
func (r *Registry) Get(code string) (PollutantConfig, error) {
	c, ok := r.entries[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return PollutantConfig{}, NewValidationError(
			fmt.Sprintf("unsupported pollutant %q; supported: %s", code, strings.Join(r.order, ", ")), nil)
	}
	return c, nil
}

// IsSupported reports whether code is registered.
func (r *Registry) IsSupported(code string) bool {
	_, ok := r.entries[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// All returns the registered codes in registration order.
func (r *Registry) All() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
