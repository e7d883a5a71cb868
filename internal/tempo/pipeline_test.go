package tempo_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/cache"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/earthdata/cmr"
	"github.com/constelar/constelar/internal/grid"
	"github.com/constelar/constelar/internal/grid/h5"
	"github.com/constelar/constelar/internal/tempo"
)

const granuleName = "TEMPO_O3TOT_L3_V03_20240801T133055Z_S005.nc"

// writeGranule writes an ozone granule with ten valid cells on a 2x5 grid.
// The column is stored flat; the reshaping opener below restores its rank.
func writeGranule(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), granuleName)

	f, err := hdf5.Create(path)
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("latitude", []float64{-34.65, -34.55})
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("longitude", []float64{-58.50, -58.45, -58.40, -58.35, -58.30})
	require.NoError(t, err)
	_, err = f.Root().CreateDataset("padding", make([]float64, 256))
	require.NoError(t, err)

	product, err := f.Root().CreateGroup("product")
	require.NoError(t, err)
	_, err = product.CreateDataset("column_amount_o3",
		[]float64{281, 282, 283, 284, 285, 286, 287, 288, 289, 290},
		hdf5.WithAttribute("units", "DU"),
		hdf5.WithAttribute("_FillValue", -1e30),
	)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), cmr.MinFileSize)
	return data
}

type gridShape struct {
	grid.GroupedDataset
}

func (g gridShape) OpenGroup(name string) (grid.GroupedDataset, error) {
	ds, err := g.GroupedDataset.OpenGroup(name)
	if err != nil {
		return nil, err
	}
	return gridShape{GroupedDataset: ds}, nil
}

func (g gridShape) Variable(name string) (*grid.Variable, error) {
	v, err := g.GroupedDataset.Variable(name)
	if err != nil {
		return nil, err
	}
	if name == "column_amount_o3" {
		v.Shape = []int{2, 5}
	}
	return v, nil
}

func reshapingOpener() grid.Opener {
	return grid.OpenerFunc(func(path, group string) (grid.GroupedDataset, error) {
		ds, err := h5.Opener{}.Open(path, group)
		if err != nil {
			return nil, err
		}
		return gridShape{GroupedDataset: ds}, nil
	})
}

func TestPipeline_SearchDownloadExtract(t *testing.T) {
	granule := writeGranule(t)

	var searches atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/granules.umm_json":
			searches.Add(1)
			items := []map[string]any{}
			// Only the unfiltered search finds the granule.
			if r.URL.Query().Get("bounding_box") == "" {
				items = append(items, map[string]any{
					"meta": map[string]any{"concept-id": "G3184-LARC_CLOUD"},
					"umm": map[string]any{
						"GranuleUR":   granuleName,
						"RelatedUrls": []map[string]any{{"URL": server.URL + "/protected/TEMPO_O3TOT_L3/V03/2024.08.01/" + granuleName, "Type": "GET DATA"}},
					},
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"hits": len(items), "items": items})
		default:
			assert.Equal(t, "Bearer edl-token", r.Header.Get("Authorization"))
			_, _ = w.Write(granule)
		}
	}))
	defer server.Close()

	logger := zerolog.New(io.Discard)
	store, err := cache.New(cache.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)

	client := cmr.NewClient(cmr.ClientConfig{
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		DownloadClient: server.Client(),
		Credential:     earthdata.NewCredential("edl-token"),
		Cache:          store,
		Logger:         logger,
	})
	extractor := grid.NewExtractor(grid.Config{
		Openers: []grid.Opener{reshapingOpener()},
		Source:  tempo.SourceSearch,
		Logger:  logger,
	})
	search := tempo.NewSearchStrategy(tempo.SearchConfig{
		Granules:  client,
		Extractor: extractor,
		Options:   grid.Options{NonNeg: true},
		Logger:    logger,
	})

	registry := airquality.NewRegistry([]airquality.PollutantConfig{{
		Name:         "o3",
		DatasetID:    "C2930725020-LARC_CLOUD",
		VariablePath: "product/column_amount_o3",
	}})
	svc := airquality.NewService(airquality.ServiceConfig{
		Registry:   registry,
		Strategies: []airquality.Strategy{search},
		Logger:     logger,
		Now:        func() time.Time { return time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC) },
	})

	limit := 2
	result, err := svc.Acquire(context.Background(), airquality.Query{
		Pollutant: "O3",
		BBox:      "-58.6,-34.7,-58.2,-34.5",
		Limit:     &limit,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), searches.Load(), "bbox search came back empty and was retried without it")
	assert.Equal(t, tempo.SourceSearch, result.Source)
	require.Len(t, result.Results, 2)
	for _, m := range result.Results {
		assert.Equal(t, "o3", m.Parameter)
		assert.Equal(t, "DU", m.Unit)
		assert.Equal(t, time.Date(2024, 8, 1, 13, 30, 55, 0, time.UTC), m.Timestamp)
	}
	assert.Equal(t, 281.0, result.Results[0].Value)
	assert.Equal(t, 282.0, result.Results[1].Value)
	assert.True(t, store.Exists(granuleName))
}
