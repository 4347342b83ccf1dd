package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultOverpassURL = "https://overpass-api.de/api/interpreter"
	DefaultUserAgent   = "PeePal/1.0 (restroom finder)"

	overpassResultLimit = 60
	maxErrorBody        = 200
)

// overpassSelectors are the place kinds queried around the point, in the same
// order as tagRules.
var overpassSelectors = []string{
	`["amenity"="toilets"]`,
	`["shop"="mall"]`,
	`["amenity"="cafe"]`,
	`["amenity"="restaurant"]`,
	`["amenity"="fast_food"]`,
	`["amenity"="fuel"]`,
	`["shop"="convenience"]`,
	`["shop"="supermarket"]`,
	`["leisure"="park"]`,
}

type OverpassConfig struct {
	URL               string
	UserAgent         string
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// OverpassBackend looks up nearby places in OpenStreetMap. Outgoing requests
// are rate limited and pass through a circuit breaker so a struggling public
// instance is not hammered.
type OverpassBackend struct {
	url       string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

func NewOverpassBackend(cfg OverpassConfig) *OverpassBackend {
	if cfg.URL == "" {
		cfg.URL = DefaultOverpassURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}

	return &OverpassBackend{
		url:       cfg.URL,
		userAgent: cfg.UserAgent,
		client:    cfg.HTTPClient,
		limiter:   rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "overpass",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *OverpassBackend) Name() string { return "overpass" }

func (b *OverpassBackend) DefaultPolicy() FailurePolicy { return FailOpen }

// BuildOverpassQuery renders the Overpass QL used for a lookup.
func BuildOverpassQuery(q Query) string {
	lat := strconv.FormatFloat(q.Lat, 'f', -1, 64)
	lon := strconv.FormatFloat(q.Lon, 'f', -1, 64)
	around := fmt.Sprintf("nwr(around:%d,%s,%s)", q.RadiusMeters, lat, lon)

	var sb strings.Builder
	sb.WriteString("[out:json][timeout:25];\n(\n")
	for _, sel := range overpassSelectors {
		sb.WriteString("  ")
		sb.WriteString(around)
		sb.WriteString(sel)
		sb.WriteString(";\n")
	}
	fmt.Fprintf(&sb, ");\nout center %d;", overpassResultLimit)
	return sb.String()
}

func (b *OverpassBackend) Candidates(ctx context.Context, q Query) ([]Candidate, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, upstreamError("rate limited", err)
	}

	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.fetch(ctx, BuildOverpassQuery(q))
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, upstreamError("circuit open", err)
		}
		return nil, err
	}
	return out.([]Candidate), nil
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string            `json:"type"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (b *OverpassBackend) fetch(ctx context.Context, query string) ([]Candidate, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, upstreamError("build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, upstreamError("request overpass", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, upstreamError(fmt.Sprintf("overpass returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var parsed overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, malformedError("decode overpass response", err)
	}

	out := make([]Candidate, 0, len(parsed.Elements))
	for _, el := range parsed.Elements {
		out = append(out, el.candidate())
	}
	return out, nil
}

func (el overpassElement) candidate() Candidate {
	cat := CategoryFromTags(el.Tags)
	lat, lon := math.NaN(), math.NaN()
	switch {
	case el.Center != nil:
		lat, lon = el.Center.Lat, el.Center.Lon
	case el.Lat != nil && el.Lon != nil:
		lat, lon = *el.Lat, *el.Lon
	}
	return Candidate{
		Name:     placeName(el.Tags, cat),
		Label:    string(cat),
		Category: cat,
		Point:    orb.Point{lon, lat},
	}
}

func placeName(tags map[string]string, cat Category) string {
	for _, key := range []string{"name", "brand", "operator", "addr:housename"} {
		if v := strings.TrimSpace(tags[key]); v != "" {
			return v
		}
	}
	if cat == CategoryPublicRestroom {
		return "Public Restroom"
	}
	return "Place"
}
