// Package harmony requests spatial and temporal subsets from the NASA
// Harmony OGC coverages API.
package harmony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/earthdata"
	"github.com/constelar/constelar/internal/provider/resilience"
	"github.com/constelar/constelar/internal/telemetry"
)

const (
	// DefaultRootURL is the production Harmony endpoint.
	DefaultRootURL = "https://harmony.earthdata.nasa.gov"

	// ProviderName identifies Harmony in the health registry.
	ProviderName = "harmony"

	// Media types for the two payload kinds.
	AcceptGeoJSON = "application/geo+json"
	AcceptNetCDF  = "application/x-netcdf"

	coveragesPath = "/ogc-api-coverages/1.0.0/collections/"

	// maxPayload bounds one subset response.
	maxPayload = 512 << 20
)

// HTTPDoer abstracts HTTP request execution. It must not follow redirects
// and must keep cookies between calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the Harmony client.
type ClientConfig struct {
	// RootURL defaults to DefaultRootURL.
	RootURL string

	// HTTPClient nil builds a resilient client with a cookie jar and
	// redirects disabled.
	HTTPClient HTTPDoer

	Registry   *resilience.Registry
	Metrics    *telemetry.UpstreamMetrics
	Credential earthdata.Credential
	Logger     zerolog.Logger

	// Timeout applies to the default client (default: 3m).
	Timeout time.Duration

	Now func() time.Time
}

// Target names one coverage variable.
type Target struct {
	// CollectionID is the canonical collection concept id.
	CollectionID string

	// CoverageKey is an optional alternate collection key tried after the
	// concept id.
	CoverageKey string

	// Variable is the variable path within the granule.
	Variable string
}

// Params are the subset parameters shared by every URL candidate.
type Params struct {
	Window airquality.TimeWindow
	BBox   *airquality.BoundingBox
	Limit  int
}

func (p Params) values() url.Values {
	q := url.Values{}
	q.Set("datetime", p.Window.StartString()+"/"+p.Window.EndString())
	q.Set("outputCrs", "EPSG:4326")
	if p.Limit > 0 {
		q.Set("count", strconv.Itoa(p.Limit))
	}
	if b := p.BBox; b != nil {
		q.Add("subset", "lon("+fmtCoord(b.West)+":"+fmtCoord(b.East)+")")
		q.Add("subset", "lat("+fmtCoord(b.South)+":"+fmtCoord(b.North)+")")
	}
	return q
}

func fmtCoord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Client is a Harmony coverages client. It exchanges the bearer token for a
// session cookie once and sends later requests with the cookie alone,
// adding the bearer only when Harmony asks for it. A redirect that survives
// the bearer retry points at the interactive Earthdata login and is fatal.
type Client struct {
	root       string
	http       HTTPDoer
	credential earthdata.Credential
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	session bool
}

// NewClient creates a new Harmony client.
func NewClient(cfg ClientConfig) *Client {
	root := cfg.RootURL
	if root == "" {
		root = DefaultRootURL
	}

	doer := cfg.HTTPClient
	if doer == nil {
		jar, _ := cookiejar.New(nil)
		rc := resilience.DefaultClientConfig(ProviderName)
		rc.Timeout = 3 * time.Minute
		if cfg.Timeout > 0 {
			rc.Timeout = cfg.Timeout
		}
		rc.Jar = jar
		rc.NoRedirects = true
		rc.Registry = cfg.Registry
		rc.Metrics = cfg.Metrics
		doer = resilience.NewClient(rc)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		root:       strings.TrimSuffix(root, "/"),
		http:       doer,
		credential: cfg.Credential,
		logger:     cfg.Logger.With().Str("component", "harmony").Logger(),
		now:        now,
	}
}

// GetFeatures returns a GeoJSON FeatureCollection payload.
func (c *Client) GetFeatures(ctx context.Context, t Target, p Params) ([]byte, error) {
	return c.fetch(ctx, t, p, AcceptGeoJSON)
}

// GetGrid returns a NetCDF payload.
func (c *Client) GetGrid(ctx context.Context, t Target, p Params) ([]byte, error) {
	return c.fetch(ctx, t, p, AcceptNetCDF)
}

// SessionEstablished reports whether the cookie exchange has succeeded.
func (c *Client) SessionEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) fetch(ctx context.Context, t Target, p Params, accept string) ([]byte, error) {
	if t.CollectionID == "" {
		return nil, airquality.NewValidationError("collection id is required", nil)
	}
	if err := c.credential.Check(c.now()); err != nil {
		return nil, err
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var (
		lastStatus int
		lastBody   string
	)
	for _, candidate := range c.candidates(t, p) {
		resp, err := c.get(ctx, candidate, accept)
		if err != nil {
			return nil, airquality.NewDataSourceError("harmony request", err)
		}

		c.logger.Info().Str("url", candidate).Int("status", resp.StatusCode).Msg("coverage request")

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
			resp.Body.Close()
			if err != nil {
				return nil, airquality.NewDataSourceError("read harmony payload", err)
			}
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			err := earthdata.StatusError("harmony", resp)
			resp.Body.Close()
			return nil, err

		case resp.StatusCode == http.StatusSeeOther:
			body := earthdata.Snippet(resp.Body)
			resp.Body.Close()
			return nil, airquality.NewAuthenticationError(
				"harmony requires interactive authorization", fmt.Errorf("303 to %s: %s", resp.Header.Get("Location"), body))
		}

		lastStatus = resp.StatusCode
		lastBody = earthdata.Snippet(resp.Body)
		resp.Body.Close()
	}

	return nil, &airquality.DataSourceError{
		Message: "harmony coverage request failed",
		Status:  lastStatus,
		Body:    lastBody,
	}
}

// candidates lists request URLs in the order they are tried: for each
// collection key, the variable as a rangeSubset parameter and then the
// variable in the path.
func (c *Client) candidates(t Target, p Params) []string {
	keys := []string{t.CollectionID}
	if t.CoverageKey != "" && t.CoverageKey != t.CollectionID {
		keys = append(keys, t.CoverageKey)
	}

	base := p.values()
	out := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		rangeset := c.root + coveragesPath + url.PathEscape(key) + "/coverage/rangeset"
		if t.Variable == "" {
			out = append(out, rangeset+"?"+base.Encode())
			continue
		}

		q := url.Values{}
		for k, v := range base {
			q[k] = v
		}
		q.Set("rangeSubset", t.Variable)
		out = append(out,
			rangeset+"?"+q.Encode(),
			rangeset+"/variables/"+url.PathEscape(t.Variable)+"?"+base.Encode(),
		)
	}
	return out
}

// get sends a cookie-only request and repeats it once with the bearer when
// Harmony redirects to login or rejects the cookie.
func (c *Client) get(ctx context.Context, target, accept string) (*http.Response, error) {
	resp, err := c.send(ctx, target, accept, false)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusSeeOther, http.StatusUnauthorized, http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		c.logger.Debug().Int("status", resp.StatusCode).Msg("retrying with bearer")
		return c.send(ctx, target, accept, true)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, target, accept string, bearer bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.baseHeaders(req)
	req.Header.Set("Accept", accept)
	if bearer {
		c.credential.Authorize(req)
	}
	return c.http.Do(req)
}

func (c *Client) baseHeaders(req *http.Request) {
	req.Header.Set("Client-Id", earthdata.ClientID)
	req.Header.Set("User-Agent", earthdata.UserAgent)
}

// ensureSession trades the bearer for a session cookie. A 204 or any
// Set-Cookie header counts as success; failures are retried on the next call.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.root+"/oauth2/token", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.baseHeaders(req)
	c.credential.Authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return airquality.NewDataSourceError("harmony token exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || len(resp.Header.Values("Set-Cookie")) > 0 {
		c.session = true
		c.logger.Info().Int("status", resp.StatusCode).Msg("harmony session established")
		return nil
	}

	body := earthdata.Snippet(resp.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return &airquality.DataSourceError{
		Message: "harmony token exchange failed",
		Status:  resp.StatusCode,
		Body:    body,
	}
}
