package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Upstream health states reported by the ops endpoints.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// UpstreamHealth is a point-in-time view of one upstream.
type UpstreamHealth struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Status maps the breaker state to a health label.
func (h UpstreamHealth) Status() string {
	switch h.CircuitState {
	case gobreaker.StateOpen:
		return StatusUnavailable
	case gobreaker.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Registry tracks upstream clients and their last outcomes.
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]*tracked
	now       func() time.Time
}

type tracked struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		upstreams: make(map[string]*tracked),
		now:       time.Now,
	}
}

// Register adds or replaces an upstream.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[name] = &tracked{client: client}
}

// RecordSuccess stamps a successful call. Unknown names are ignored.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upstreams[name]; ok {
		now := r.now().UTC()
		u.lastSuccessAt = &now
	}
}

// RecordFailure stamps a failed call. Unknown names are ignored.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upstreams[name]; ok {
		now := r.now().UTC()
		u.lastFailureAt = &now
		if err != nil {
			u.lastError = err.Error()
		}
	}
}

// Health returns one upstream's health, or false when it is not registered.
func (r *Registry) Health(name string) (UpstreamHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[name]
	if !ok {
		return UpstreamHealth{}, false
	}
	return u.snapshot(name), true
}

// Snapshot returns every upstream sorted by name.
func (r *Registry) Snapshot() []UpstreamHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UpstreamHealth, 0, len(r.upstreams))
	for name, u := range r.upstreams {
		out = append(out, u.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (u *tracked) snapshot(name string) UpstreamHealth {
	return UpstreamHealth{
		Name:          name,
		CircuitState:  u.client.State(),
		Counts:        u.client.Counts(),
		LastSuccessAt: u.lastSuccessAt,
		LastFailureAt: u.lastFailureAt,
		LastError:     u.lastError,
	}
}
