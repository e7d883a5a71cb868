package airquality_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/airquality"
)

func TestRegistry_Defaults(t *testing.T) {
	r := airquality.NewRegistry(airquality.DefaultPollutants())

	assert.Equal(t, []string{"no2", "so2", "o3", "hcho"}, r.All())

	cfg, err := r.Get("O3")
	require.NoError(t, err)
	assert.Equal(t, "C2930725020-LARC_CLOUD", cfg.DatasetID)
	assert.Equal(t, "ozone_total_column", cfg.VariablePath)
	assert.NotEmpty(t, cfg.Description)
	assert.NotEmpty(t, cfg.HealthImpact)

	assert.True(t, r.IsSupported("hcho"))
	assert.True(t, r.IsSupported(" NO2 "))
	assert.False(t, r.IsSupported("pm25"))
}

func TestRegistry_UnknownCode(t *testing.T) {
	r := airquality.NewRegistry(airquality.DefaultPollutants())

	_, err := r.Get("co")
	require.Error(t, err)
	assert.ErrorIs(t, err, airquality.ErrValidation)
	assert.Contains(t, err.Error(), "co")
}

func TestRegistry_DropsIncompleteEntries(t *testing.T) {
	r := airquality.NewRegistry([]airquality.PollutantConfig{
		{Name: "no2", DatasetID: "C1", VariablePath: "product/no2"},
		{Name: "so2", DatasetID: "", VariablePath: "so2"},
		{Name: "o3", DatasetID: "C3", VariablePath: ""},
		{Name: "", DatasetID: "C4", VariablePath: "x"},
	})

	assert.Equal(t, []string{"no2"}, r.All())
	assert.False(t, r.IsSupported("so2"))
	assert.False(t, r.IsSupported("o3"))
}

func TestRegistry_AllReturnsCopy(t *testing.T) {
	r := airquality.NewRegistry(airquality.DefaultPollutants())
	codes := r.All()
	codes[0] = "mutated"

	assert.Equal(t, "no2", r.All()[0])
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"NO2":          "no2",
		" o3 ":         "o3",
		"Ozone":        "o3",
		"formaldehyde": "hcho",
		"PM2.5":        "pm25",
		"pm_25":        "pm25",
		"so2":          "so2",
	}
	for in, want := range cases {
		assert.Equal(t, want, airquality.NormalizeCode(in), in)
	}
}
