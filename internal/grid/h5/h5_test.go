package h5_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/grid"
	"github.com/constelar/constelar/internal/grid/h5"
)

// writeFixture writes a small file with 1-D coordinates at the root and a
// 1x3 product variable stored flat with a fill value.
func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "TEMPO_O3TOT_L3_V03_20240802T133055Z_S005.nc")

	f, err := hdf5.Create(path)
	require.NoError(t, err)

	_, err = f.Root().CreateDataset("latitude", []float64{-34.6})
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("longitude", []float64{-58.5, -58.4, -58.3})
	require.NoError(t, err)

	product, err := f.Root().CreateGroup("product")
	require.NoError(t, err)
	_, err = product.CreateDataset("column_amount_o3", []float64{280.5, -9999, 290.25},
		hdf5.WithAttribute("units", "DU"),
		hdf5.WithAttribute("_FillValue", -9999.0),
	)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	return path
}

func TestOpener_ReadsGroupsAndAttributes(t *testing.T) {
	path := writeFixture(t)

	root, err := h5.Opener{}.Open(path, "")
	require.NoError(t, err)
	defer root.Close()

	assert.True(t, root.HasVariable("latitude"))
	assert.False(t, root.HasVariable("column_amount_o3"))

	product, err := root.OpenGroup("product")
	require.NoError(t, err)
	defer product.Close()
	require.True(t, product.HasVariable("column_amount_o3"))

	v, err := product.Variable("column_amount_o3")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, v.Shape)
	assert.Equal(t, []float64{280.5, -9999, 290.25}, v.Data)
	assert.Equal(t, "DU", v.Text("units"))

	fillValue, ok := v.Float("_FillValue")
	require.True(t, ok)
	assert.Equal(t, -9999.0, fillValue)

	_, err = product.Variable("missing")
	assert.Error(t, err)
}

func TestVariable_LabelsDimensionScales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TEMPO_NO2_L3_V03_20240802T133055Z_S005.nc")
	f, err := hdf5.Create(path)
	require.NoError(t, err)

	_, err = f.Root().CreateDataset("time", []float64{0, 3600}, hdf5.WithAttribute("CLASS", "DIMENSION_SCALE"))
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("latitude", []float64{-34.6}, hdf5.WithAttribute("CLASS", "DIMENSION_SCALE"))
	require.NoError(t, err)
	// no CLASS attribute, so it is not a dimension scale
	_, err = f.Root().CreateDataset("lon", []float64{1, 2, 3})
	require.NoError(t, err)

	product, err := f.Root().CreateGroup("product")
	require.NoError(t, err)
	_, err = product.CreateDataset("vertical_column", [][][]float64{
		{{1, 2, 3}, {4, 5, 6}},
	})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ds, err := h5.Opener{}.Open(path, "product")
	require.NoError(t, err)
	defer ds.Close()

	v, err := ds.Variable("vertical_column")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, v.Shape)
	assert.Equal(t, []string{"latitude", "time", ""}, v.Dims)
}

func TestOpener_ScopedGroup(t *testing.T) {
	path := writeFixture(t)

	product, err := h5.Opener{}.Open(path, "product")
	require.NoError(t, err)
	defer product.Close()
	assert.True(t, product.HasVariable("column_amount_o3"))

	_, err = h5.Opener{}.Open(path, "geolocation")
	assert.Error(t, err)
}

func TestOpener_MissingFile(t *testing.T) {
	_, err := h5.Opener{}.Open(filepath.Join(t.TempDir(), "nope.nc"), "")
	assert.Error(t, err)
}

func TestExtractor_WithHDF5File(t *testing.T) {
	path := writeFixture(t)

	// The fixture stores the product flat; reshape it through a wrapper so
	// the extractor sees a 1x3 grid matching the coordinates.
	opener := grid.OpenerFunc(func(p, group string) (grid.GroupedDataset, error) {
		ds, err := h5.Opener{}.Open(p, group)
		if err != nil {
			return nil, err
		}
		return reshaped{GroupedDataset: ds}, nil
	})

	ex := grid.NewExtractor(grid.Config{
		Openers: []grid.Opener{opener},
		Logger:  zerolog.New(io.Discard),
		Now:     func() time.Time { return time.Unix(0, 0) },
	})

	ms, err := ex.Extract(context.Background(), path, grid.Request{
		VariablePath: "product/column_amount_o3",
		Parameter:    "o3",
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, 280.5, ms[0].Value)
	assert.Equal(t, -58.5, ms[0].Location.Longitude)
	assert.Equal(t, 290.25, ms[1].Value)
	assert.Equal(t, "DU", ms[1].Unit)
	assert.Equal(t, time.Date(2024, 8, 2, 13, 30, 55, 0, time.UTC), ms[0].Timestamp)
}

type reshaped struct {
	grid.GroupedDataset
}

func (r reshaped) Variable(name string) (*grid.Variable, error) {
	v, err := r.GroupedDataset.Variable(name)
	if err != nil {
		return nil, err
	}
	if name == "column_amount_o3" {
		v.Shape = []int{1, len(v.Data)}
	}
	return v, nil
}
