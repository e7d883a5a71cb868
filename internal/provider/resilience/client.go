package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/constelar/constelar/internal/telemetry"
)

var (
	// ErrCircuitOpen is returned without calling the upstream while its breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// drainLimit bounds how much of a discarded body is read to keep the
// connection reusable.
const drainLimit = 64 << 10

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the upstream in the breaker and the health registry.
	Name string

	// Timeout bounds one attempt, body transfer included.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Breaker defaults to DefaultBreakerConfig(Name).
	Breaker *BreakerConfig

	// Jar stores cookies across requests. Optional.
	Jar http.CookieJar

	// NoRedirects returns 3xx responses to the caller instead of following them.
	NoRedirects bool

	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Registry receives success and failure outcomes. Optional.
	Registry *Registry

	// Metrics traces and counts each call. Optional.
	Metrics *telemetry.UpstreamMetrics
}

// DefaultClientConfig returns defaults sized for catalog queries.
func DefaultClientConfig(name string) ClientConfig {
	breaker := DefaultBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         60 * time.Second,
		MaxRetries:      2,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         &breaker,
	}
}

// Client executes HTTP requests through a breaker with exponential backoff.
// 5xx responses and transport errors are retried; everything else is
// returned to the caller as is.
type Client struct {
	name     string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	cfg      ClientConfig
	registry *Registry
	metrics  *telemetry.UpstreamMetrics
}

// NewClient creates a client and registers it when cfg.Registry is set.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	breakerCfg := DefaultBreakerConfig(cfg.Name)
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	hc := &http.Client{
		Timeout:   cfg.Timeout,
		Jar:       cfg.Jar,
		Transport: cfg.Transport,
	}
	if cfg.NoRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	c := &Client{
		name:     cfg.Name,
		http:     hc,
		breaker:  newBreaker[*http.Response](breakerCfg), //nolint:bodyclose // type param, not a response
		cfg:      cfg,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
	}
	if c.registry != nil {
		c.registry.Register(cfg.Name, c)
	}
	return c
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.name }

// Do sends req. When retries are exhausted on 5xx the last response is
// returned with a nil error so callers can inspect its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.metrics != nil {
		var done func(int, error)
		ctx, done = c.metrics.Start(ctx, c.name, req.Method)
		resp, err := c.do(ctx, req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		done(status, err)
		return resp, err
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)

	var last *http.Response
	attempt := func() error {
		if last != nil {
			discard(last)
			last = nil
		}

		out, err := cloneRequest(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.http.Do(out)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= http.StatusInternalServerError {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		last = resp
		return err
	}

	err := backoff.Retry(attempt, policy)
	c.record(err)

	if err == nil {
		return last, nil
	}
	if ctx.Err() != nil {
		if last != nil {
			discard(last)
		}
		return nil, ctx.Err()
	}
	var serverErr *ServerError
	if last != nil && errors.As(err, &serverErr) {
		return last, nil
	}
	if last != nil {
		discard(last)
	}
	return nil, err
}

func (c *Client) record(err error) {
	if c.registry == nil {
		return
	}
	if err != nil {
		c.registry.RecordFailure(c.name, err)
		return
	}
	c.registry.RecordSuccess(c.name)
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Counts returns the breaker counters.
func (c *Client) Counts() gobreaker.Counts { return c.breaker.Counts() }

// cloneRequest copies req for one attempt, rewinding the body when possible.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return out, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	_ = resp.Body.Close()
}

// ServerError marks a 5xx response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}
