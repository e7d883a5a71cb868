// Package earthdata holds what the NASA Earthdata clients share: the bearer
// credential and upstream response helpers.
package earthdata

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/constelar/constelar/internal/airquality"
)

const (
	// UserAgent identifies this service to NASA upstreams.
	UserAgent = "constelar/1.0 (+https://github.com/constelar/constelar)"

	// ClientID is sent as the Harmony Client-Id header.
	ClientID = "constelar"

	// SnippetLimit bounds upstream bodies carried in errors.
	SnippetLimit = 400
)

// ErrNoToken is wrapped when no bearer token is configured.
var ErrNoToken = errors.New("earthdata token not configured")

// Credential is an Earthdata Login bearer token. Earthdata issues JWTs; the
// expiry is read without verifying the signature since only NASA can verify
// it. Opaque tokens are accepted without an expiry.
type Credential struct {
	token     string
	expiresAt time.Time
	subject   string
}

// NewCredential inspects token.
func NewCredential(token string) Credential {
	c := Credential{token: strings.TrimSpace(token)}
	if c.token == "" {
		return c
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return c
	}
	if claims.ExpiresAt != nil {
		c.expiresAt = claims.ExpiresAt.Time.UTC()
	}
	c.subject = claims.Subject
	return c
}

// Token returns the raw token.
func (c Credential) Token() string { return c.token }

// Configured reports whether a token is present.
func (c Credential) Configured() bool { return c.token != "" }

// ExpiresAt returns the token expiry when it is known.
func (c Credential) ExpiresAt() (time.Time, bool) {
	return c.expiresAt, !c.expiresAt.IsZero()
}

// Subject is the Earthdata user name carried by the token, if any.
func (c Credential) Subject() string { return c.subject }

// Check fails with an AuthenticationError when the token is missing or expired at now.
func (c Credential) Check(now time.Time) error {
	if !c.Configured() {
		return airquality.NewAuthenticationError("EARTHDATA_TOKEN is not configured", ErrNoToken)
	}
	if exp, ok := c.ExpiresAt(); ok && !now.Before(exp) {
		return airquality.NewAuthenticationError(
			fmt.Sprintf("earthdata token expired at %s", exp.Format(airquality.TimestampLayout)), jwt.ErrTokenExpired)
	}
	return nil
}

// Authorize sets the bearer header on req.
func (c Credential) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// Snippet reads at most SnippetLimit bytes of body.
func Snippet(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, SnippetLimit))
	return string(b)
}

// StatusError maps a non-success upstream response to the error taxonomy:
// 401 and 403 are authentication failures, everything else a data source
// failure carrying the status and a body snippet.
func StatusError(op string, resp *http.Response) error {
	body := Snippet(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return airquality.NewAuthenticationError(fmt.Sprintf("%s rejected credentials (%d)", op, resp.StatusCode), nil)
	}
	return &airquality.DataSourceError{
		Message: fmt.Sprintf("%s returned %d", op, resp.StatusCode),
		Status:  resp.StatusCode,
		Body:    body,
	}
}
