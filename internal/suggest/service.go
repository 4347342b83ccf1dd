// Package suggest proxies restroom suggestions for a location to either the
// OpenStreetMap Overpass API or an OpenAI-compatible model, and ranks the
// results by distance.
package suggest

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"peepal-go/internal/metrics"
	"peepal-go/internal/models"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

const (
	DefaultRadiusMeters = 1000
	MaxRadiusMeters     = 5000
)

var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrUpstream          = errors.New("upstream request failed")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// Error carries the failure kind (one of the sentinel errors above) together
// with a short diagnostic detail suitable for an API response.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func upstreamError(detail string, err error) error {
	return &Error{Kind: ErrUpstream, Detail: detail, Err: err}
}

func malformedError(detail string, err error) error {
	return &Error{Kind: ErrMalformedResponse, Detail: detail, Err: err}
}

// Detail returns the diagnostic detail of err, or its message.
func Detail(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FailurePolicy decides what a failing lookup returns to the caller.
type FailurePolicy int

const (
	// FailOpen answers with an empty suggestion list.
	FailOpen FailurePolicy = iota
	// FailClosed surfaces the error.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailurePolicy maps "open" and "closed" to a policy, falling back to def.
func ParseFailurePolicy(s string, def FailurePolicy) FailurePolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return FailOpen
	case "closed":
		return FailClosed
	default:
		return def
	}
}

// Query is a normalized suggestion request.
type Query struct {
	Lat          float64
	Lon          float64
	RadiusMeters int
	Language     models.Language
}

func (q Query) Point() orb.Point {
	return orb.Point{q.Lon, q.Lat}
}

func (q Query) normalize() (Query, error) {
	if !finite(q.Lat) || !finite(q.Lon) || math.Abs(q.Lat) > 90 || math.Abs(q.Lon) > 180 {
		return q, ErrInvalidQuery
	}
	if q.RadiusMeters <= 0 {
		q.RadiusMeters = DefaultRadiusMeters
	}
	if q.RadiusMeters > MaxRadiusMeters {
		q.RadiusMeters = MaxRadiusMeters
	}
	q.Language = models.NormalizeLanguage(string(q.Language))
	return q, nil
}

// Suggestion is one ranked place in the API response.
type Suggestion struct {
	Name string  `json:"name"`
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Tips string  `json:"tips"`
}

// Backend produces unranked candidates for a query.
type Backend interface {
	Name() string
	Candidates(ctx context.Context, q Query) ([]Candidate, error)
	// DefaultPolicy is used when no policy is configured explicitly.
	DefaultPolicy() FailurePolicy
}

type Service struct {
	backend Backend
	policy  FailurePolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(backend Backend, policy FailurePolicy, m *metrics.Metrics, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{backend: backend, policy: policy, metrics: m, logger: logger}
}

func (s *Service) Backend() string {
	return s.backend.Name()
}

func (s *Service) Policy() FailurePolicy {
	return s.policy
}

// Suggest returns at most MaxSuggestions places ordered by distance from the
// query point. Under FailOpen every error yields an empty list and nil.
func (s *Service) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	q, err := q.normalize()
	if err != nil {
		return s.fail(q, err)
	}

	candidates, err := s.backend.Candidates(ctx, q)
	if err != nil {
		return s.fail(q, err)
	}

	ranked := Rank(q.Point(), candidates, MaxSuggestions)
	out := make([]Suggestion, 0, len(ranked))
	for _, r := range ranked {
		tip := strings.TrimSpace(r.Tips)
		if tip == "" {
			tip = Tip(r.Category, q.Language)
		}
		out = append(out, Suggestion{
			Name: r.Name,
			Type: r.Label,
			Lat:  r.Point.Lat(),
			Lon:  r.Point.Lon(),
			Tips: tip,
		})
	}

	s.metrics.SuggestRequests.WithLabelValues(s.backend.Name(), "ok").Inc()
	s.logger.Debug("restroom suggestions",
		"backend", s.backend.Name(), "candidates", len(candidates), "returned", len(out))
	return out, nil
}

func (s *Service) fail(q Query, err error) ([]Suggestion, error) {
	outcome := outcomeLabel(err)
	if s.policy == FailOpen {
		s.metrics.SuggestRequests.WithLabelValues(s.backend.Name(), "fallback").Inc()
		s.logger.Warn("suggestion lookup failed, returning empty list",
			"backend", s.backend.Name(), "kind", outcome, "error", err)
		return []Suggestion{}, nil
	}
	s.metrics.SuggestRequests.WithLabelValues(s.backend.Name(), outcome).Inc()
	s.logger.Error("suggestion lookup failed",
		"backend", s.backend.Name(), "kind", outcome, "lat", q.Lat, "lon", q.Lon, "error", err)
	return nil, err
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return "invalid"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "upstream_error"
	}
}
