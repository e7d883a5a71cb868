package models

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 error body, served as application/problem+json.
type Problem struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	TraceID  string       `json:"traceId"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// FieldError describes one rejected query parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const problemBase = "https://constelar.dev/problems/"

// Problem types.
const (
	ProblemTypeValidation      = problemBase + "validation-error"
	ProblemTypeNotFound        = problemBase + "not-found"
	ProblemTypeTooManyRequests = problemBase + "too-many-requests"
	ProblemTypeUpstreamAuth    = problemBase + "upstream-unauthorized"
	ProblemTypeUpstream        = problemBase + "upstream-error"
	ProblemTypeInternal        = problemBase + "internal-error"
	ProblemTypeUnavailable     = problemBase + "service-unavailable"
	ProblemTypeTLSRequired     = problemBase + "tls-required"
)

var problemKinds = map[string]struct {
	title  string
	status int
}{
	ProblemTypeValidation:      {"Validation error", http.StatusBadRequest},
	ProblemTypeNotFound:        {"Not found", http.StatusNotFound},
	ProblemTypeTooManyRequests: {"Too many requests", http.StatusTooManyRequests},
	ProblemTypeUpstreamAuth:    {"Upstream authentication failed", http.StatusUnauthorized},
	ProblemTypeUpstream:        {"Upstream error", http.StatusBadGateway},
	ProblemTypeInternal:        {"Internal server error", http.StatusInternalServerError},
	ProblemTypeUnavailable:     {"Service unavailable", http.StatusServiceUnavailable},
	ProblemTypeTLSRequired:     {"TLS required", http.StatusForbidden},
}

// NewProblem creates a Problem with an explicit title and status.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

// Known creates a Problem of one of the ProblemType constants, taking its
// title and status from the type. Unknown types become internal errors.
func Known(problemType, traceID, detail string) *Problem {
	kind, ok := problemKinds[problemType]
	if !ok {
		problemType = ProblemTypeInternal
		kind = problemKinds[ProblemTypeInternal]
	}
	return NewProblem(problemType, kind.title, kind.status, traceID).WithDetail(detail)
}

func (p *Problem) WithDetail(detail string) *Problem {
	p.Detail = detail
	return p
}

func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}

func (p *Problem) WithErrors(errors []FieldError) *Problem {
	p.Errors = errors
	return p
}

// Write sends the problem with its status. The trace id doubles as the
// X-Request-Id header.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-Id", p.TraceID)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	return Known(ProblemTypeValidation, traceID, detail).WithErrors(errors)
}

// NewUpstreamUnauthorized reports credentials that NASA rejected. The
// caller's own request was fine.
func NewUpstreamUnauthorized(traceID, detail string) *Problem {
	return Known(ProblemTypeUpstreamAuth, traceID, detail)
}

func NewNotFound(traceID, detail string) *Problem {
	return Known(ProblemTypeNotFound, traceID, detail)
}

func NewBadGateway(traceID, detail string) *Problem {
	return Known(ProblemTypeUpstream, traceID, detail)
}

func NewTooManyRequests(traceID, detail string) *Problem {
	return Known(ProblemTypeTooManyRequests, traceID, detail)
}

func NewInternalError(traceID, detail string) *Problem {
	return Known(ProblemTypeInternal, traceID, detail)
}

func NewServiceUnavailable(traceID, detail string) *Problem {
	return Known(ProblemTypeUnavailable, traceID, detail)
}
