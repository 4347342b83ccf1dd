package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"peepal-go/internal/models"
	"peepal-go/internal/suggest"

	"github.com/pkg/errors"
)

// SuggestRestroomsHandler answers GET /api/suggest_restrooms?lat&lon&radius&lang.
func (h *Handler) SuggestRestroomsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := suggest.Query{
		Lat:          parseCoordinate(q.Get("lat")),
		Lon:          parseCoordinate(q.Get("lon")),
		RadiusMeters: parseRadius(q.Get("radius")),
		Language:     models.NormalizeLanguage(q.Get("lang")),
	}

	suggestions, err := h.Suggest.Suggest(r.Context(), query)
	if err != nil {
		writeSuggestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func writeSuggestError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Suggestion lookup failed"
	switch {
	case errors.Is(err, suggest.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "Invalid lat/lon")
		return
	case errors.Is(err, suggest.ErrUpstream):
		status, msg = http.StatusBadGateway, "Upstream request failed"
	case errors.Is(err, suggest.ErrMalformedResponse):
		msg = "Could not parse upstream response"
	}
	writeJSON(w, status, map[string]any{
		"ok":     false,
		"error":  msg,
		"detail": suggest.Detail(err),
	})
}

func parseCoordinate(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// parseRadius returns 0 (the service default) for missing or unusable values.
func parseRadius(v string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
