// Package cmr searches the NASA Common Metadata Repository for granules and
// downloads them into the granule cache.
package cmr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/cache"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/provider/resilience"
	"github.com/constelar/constelar/internal/telemetry"
)

const (
	// DefaultBaseURL is the production CMR endpoint.
	DefaultBaseURL = "https://cmr.earthdata.nasa.gov"

	// ProviderName identifies catalog calls in the health registry.
	ProviderName = "cmr"

	// DownloadProviderName identifies granule transfers in the health registry.
	DownloadProviderName = "earthdata-download"

	// DefaultMaxItems caps granules per search.
	DefaultMaxItems = 3

	// MinFileSize is the smallest transfer kept. Anything smaller is an
	// error page or a truncated file.
	MinFileSize = 1024
)

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the CMR client.
type ClientConfig struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient runs searches. Nil builds a resilient client.
	HTTPClient HTTPDoer

	// DownloadClient runs transfers. Nil builds a resilient client with a
	// long timeout.
	DownloadClient HTTPDoer

	// Registry receives upstream health when the default clients are built.
	Registry *resilience.Registry

	// Metrics traces calls made by the default clients. Optional.
	Metrics *telemetry.UpstreamMetrics

	Credential earthdata.Credential
	Cache      *cache.Store
	Logger     zerolog.Logger

	// Now overrides the clock used for credential expiry, for tests.
	Now func() time.Time
}

// SearchRequest selects granules of one collection.
type SearchRequest struct {
	DatasetID string
	Window    airquality.TimeWindow

	// BBox narrows the search. When it yields nothing the search is
	// repeated without it.
	BBox *airquality.BoundingBox

	MaxItems int
}

// Client is a CMR search and download client.
type Client struct {
	baseURL    string
	search     HTTPDoer
	download   HTTPDoer
	credential earthdata.Credential
	cache      *cache.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient creates a new CMR client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	search := cfg.HTTPClient
	if search == nil {
		sc := resilience.DefaultClientConfig(ProviderName)
		sc.Registry = cfg.Registry
		sc.Metrics = cfg.Metrics
		search = resilience.NewClient(sc)
	}

	download := cfg.DownloadClient
	if download == nil {
		dc := resilience.DefaultClientConfig(DownloadProviderName)
		dc.Timeout = 5 * time.Minute
		dc.Registry = cfg.Registry
		dc.Metrics = cfg.Metrics
		download = resilience.NewClient(dc)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		search:     search,
		download:   download,
		credential: cfg.Credential,
		cache:      cfg.Cache,
		logger:     cfg.Logger.With().Str("component", "cmr").Logger(),
		now:        now,
	}
}

// Search returns up to MaxItems granules. A bbox-filtered search that finds
// nothing is retried once without the bbox, since coarse TEMPO granules are
// often not indexed against small viewports.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Granule, error) {
	if req.DatasetID == "" {
		return nil, airquality.NewValidationError("dataset id is required", nil)
	}
	if req.MaxItems <= 0 {
		req.MaxItems = DefaultMaxItems
	}

	if req.BBox != nil {
		granules, err := c.query(ctx, req, true)
		if err != nil {
			return nil, err
		}
		c.logger.Info().
			Str("dataset", req.DatasetID).
			Str("bbox", req.BBox.String()).
			Int("granules", len(granules)).
			Msg("granule search with bbox")
		if len(granules) > 0 {
			return granules, nil
		}
	}

	granules, err := c.query(ctx, req, false)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("dataset", req.DatasetID).
		Int("granules", len(granules)).
		Msg("granule search without bbox")
	return granules, nil
}

func (c *Client) query(ctx context.Context, req SearchRequest, withBBox bool) ([]Granule, error) {
	q := url.Values{}
	q.Set("collection_concept_id", req.DatasetID)
	q.Set("temporal[]", req.Window.StartString()+","+req.Window.EndString())
	q.Set("page_size", strconv.Itoa(req.MaxItems))
	if withBBox && req.BBox != nil {
		q.Set("bounding_box", req.BBox.String())
	}

	endpoint := c.baseURL + "/search/granules.umm_json?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.nasa.cmr.umm_results+json")
	httpReq.Header.Set("User-Agent", earthdata.UserAgent)
	if c.credential.Configured() {
		c.credential.Authorize(httpReq)
	}

	resp, err := c.search.Do(httpReq)
	if err != nil {
		return nil, airquality.NewDataSourceError("cmr search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, earthdata.StatusError("cmr search", resp)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, airquality.NewDataSourceError("decode cmr search response", err)
	}

	granules := make([]Granule, 0, len(result.Items))
	for _, it := range result.Items {
		g := it.toGranule()
		if len(g.URLs) == 0 {
			c.logger.Debug().Str("granule", g.GranuleUR).Msg("granule has no https data link")
			continue
		}
		granules = append(granules, g)
		if len(granules) >= req.MaxItems {
			break
		}
	}
	return granules, nil
}

// Download fetches each granule's data file into the cache and returns the
// local paths in granule order. Cache cleanup runs first, so every returned
// path exists when Download returns. Valid cached files are reused, never
// overwritten; expired or undersized ones are fetched again. Failed or
// undersized transfers are skipped; the call fails only on rejected
// credentials or when every transfer failed.
func (c *Client) Download(ctx context.Context, granules []Granule) ([]string, error) {
	if len(granules) == 0 {
		return nil, nil
	}
	if c.cache == nil {
		return nil, errors.New("cmr: download requires a cache store")
	}
	if err := c.credential.Check(c.now()); err != nil {
		return nil, err
	}
	c.cache.Cleanup()

	paths := make([]string, 0, len(granules))
	var lastErr error
	for _, g := range granules {
		if err := ctx.Err(); err != nil {
			return paths, airquality.NewDataSourceError("granule download", err)
		}

		name := g.FileName()
		if name == "" {
			continue
		}
		if path, ok := c.cache.Lookup(name, MinFileSize); ok {
			c.logger.Debug().Str("file", name).Msg("granule cache hit")
			paths = append(paths, path)
			continue
		}

		path, err := c.fetch(ctx, g.URLs[0], name)
		if err != nil {
			if errors.Is(err, airquality.ErrAuthentication) {
				return nil, err
			}
			c.logger.Warn().Err(err).Str("granule", g.GranuleUR).Msg("granule download failed")
			lastErr = err
			continue
		}
		paths = append(paths, path)
	}

	if len(paths) == 0 && lastErr != nil {
		return nil, lastErr
	}
	c.logger.Info().Int("requested", len(granules)).Int("files", len(paths)).Msg("granule download complete")
	return paths, nil
}

// fetch streams one file into a temporary name and moves it into place.
func (c *Client) fetch(ctx context.Context, link, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", earthdata.UserAgent)
	c.credential.Authorize(req)

	resp, err := c.download.Do(req)
	if err != nil {
		return "", airquality.NewDataSourceError("granule download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", earthdata.StatusError("granule download", resp)
	}

	dest := c.cache.Path(name)
	tmp := filepath.Join(c.cache.Dir(), "."+name+"."+uuid.NewString()+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return "", airquality.NewDataSourceError("create cache file", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		return "", airquality.NewDataSourceError("write cache file", errors.Join(copyErr, closeErr))
	}
	if n < MinFileSize {
		_ = os.Remove(tmp)
		return "", airquality.NewDataSourceError(fmt.Sprintf("granule %s is only %d bytes", name, n), nil)
	}

	// Another download may have finished first; keep that copy.
	if _, ok := c.cache.Lookup(name, MinFileSize); ok {
		_ = os.Remove(tmp)
		return dest, nil
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", airquality.NewDataSourceError("move cache file", err)
	}
	return dest, nil
}
