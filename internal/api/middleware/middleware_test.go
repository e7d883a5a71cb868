package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/constelar/constelar/internal/api/middleware"
)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
	}))

	cases := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "trace-abc_123.4", true},
		{"too long", strings.Repeat("a", 65), false},
		{"unsafe characters", "abc\r\ninjected", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/pollutants", http.NoBody)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if tc.keep {
				assert.Equal(t, tc.incoming, seen)
			} else {
				assert.True(t, strings.HasPrefix(seen, "req_"), seen)
			}
			assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.SecurityHeaders(http.HandlerFunc(ok)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestRequireTLS(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/v1/measurements", http.NoBody)
	plain.Header.Set("X-Forwarded-Proto", "http")

	rec := httptest.NewRecorder()
	middleware.RequireTLS(true)(http.HandlerFunc(ok)).ServeHTTP(rec, plain)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "tls-required")

	rec = httptest.NewRecorder()
	middleware.RequireTLS(false)(http.HandlerFunc(ok)).ServeHTTP(rec, plain)
	assert.Equal(t, http.StatusOK, rec.Code)

	secure := httptest.NewRequest(http.MethodGet, "/v1/measurements", http.NoBody)
	secure.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	middleware.RequireTLS(true)(http.HandlerFunc(ok)).ServeHTTP(rec, secure)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovery(t *testing.T) {
	handler := middleware.RequestID(middleware.Recovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/measurements", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/v1/measurements")
}

func TestRecovery_RepanicsAbort(t *testing.T) {
	handler := middleware.Recovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	})
}

func TestRateLimitByIP(t *testing.T) {
	handler := middleware.RequestID(middleware.RateLimitByIP(middleware.RateLimitConfig{
		RequestLimit: 2,
		WindowLength: 30 * time.Second,
	})(http.HandlerFunc(ok)))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/measurements", http.NoBody)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("198.51.100.1:1001").Code)

	limited := send("198.51.100.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "30", limited.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", limited.Header().Get("Content-Type"))
	assert.Contains(t, limited.Body.String(), "Rate limit exceeded")

	assert.Equal(t, http.StatusOK, send("198.51.100.2:1000").Code)
}

func TestPerMinute(t *testing.T) {
	assert.Equal(t, middleware.RateLimitConfig{RequestLimit: 5, WindowLength: time.Minute}, middleware.PerMinute(5))
	assert.Equal(t, middleware.DefaultMeasurementRateLimit, middleware.PerMinute(0))
}
