package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/constelar/constelar/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// PerMinute returns a one-minute window allowing n requests. A
// non-positive n falls back to DefaultMeasurementRateLimit.
func PerMinute(n int) RateLimitConfig {
	if n <= 0 {
		return DefaultMeasurementRateLimit
	}
	return RateLimitConfig{RequestLimit: n, WindowLength: time.Minute}
}

// DefaultMeasurementRateLimit applies to acquisition endpoints, which fan out
// to several upstream downloads per request.
var DefaultMeasurementRateLimit = RateLimitConfig{
	RequestLimit: 60,
	WindowLength: time.Minute,
}

// RateLimitByIP creates a per client IP rate limiter. Place chi's RealIP
// middleware before it behind a proxy.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(cfg.WindowLength.Seconds()))
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problem := models.NewTooManyRequests(GetRequestID(r.Context()), "Rate limit exceeded. Please try again later.")
			problem.Instance = r.URL.Path
			w.Header().Set("Retry-After", retryAfter)
			problem.Write(w)
		}),
	)
}
