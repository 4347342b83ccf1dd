package suggest

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const (
	MaxSuggestions = 8

	earthRadiusMeters = 6_371_000.0
)

// Candidate is a place returned by a backend before ranking.
type Candidate struct {
	Name     string
	Label    string
	Category Category
	Point    orb.Point
	Tips     string
}

// Ranked is a candidate together with its distance from the query point.
type Ranked struct {
	Candidate
	DistanceMeters float64
}

// Haversine returns the great-circle distance in meters between a and b.
func Haversine(a, b orb.Point) float64 {
	lat1, lat2 := toRad(a.Lat()), toRad(b.Lat())
	dLat := lat2 - lat1
	dLon := toRad(b.Lon() - a.Lon())

	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(math.Min(1, h)))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func dedupeKey(c Candidate) string {
	return strings.Join([]string{
		c.Name,
		c.Label,
		strconv.FormatFloat(c.Point.Lat(), 'f', 5, 64),
		strconv.FormatFloat(c.Point.Lon(), 'f', 5, 64),
	}, "|")
}

// Rank drops candidates without a name or finite coordinates, removes
// duplicates, orders the rest by distance from origin and keeps the first limit.
func Rank(origin orb.Point, candidates []Candidate, limit int) []Ranked {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" || !finite(c.Point.Lat()) || !finite(c.Point.Lon()) {
			continue
		}
		if c.Label == "" {
			c.Label = string(c.Category)
		}
		key := dedupeKey(c)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Ranked{Candidate: c, DistanceMeters: Haversine(origin, c.Point)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
