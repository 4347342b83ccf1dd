package handlers

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"peepal-go/internal/models"
	"peepal-go/internal/store"

	"github.com/pkg/errors"
)

// GetVAPIDKeyHandler returns the public VAPID key the browser subscribes with.
func (h *Handler) GetVAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.VAPIDPublicKey})
}

// SaveSubscriptionHandler registers a browser subscription, or refreshes the
// descriptor of a known endpoint without touching its schedule.
func (h *Handler) SaveSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subscription *models.PushSubscription `json:"subscription"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Subscription.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	rec, created, err := h.Store.Upsert(r.Context(), *req.Subscription, h.now())
	if err != nil {
		h.Logger.Error("failed to save subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save subscription")
		return
	}
	if created {
		h.Logger.Info("new subscription", "endpoint", models.RedactEndpoint(rec.Endpoint()))
	} else {
		h.Logger.Info("subscription refreshed", "endpoint", models.RedactEndpoint(rec.Endpoint()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"endpoint": rec.Endpoint(),
		"created":  created,
	})
}

// SetPreferencesHandler updates cadence and language and restarts the
// countdown from now.
func (h *Handler) SetPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint         string          `json:"endpoint"`
		FrequencyMinutes json.RawMessage `json:"frequencyMinutes"`
		Language         string          `json:"language"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		writeError(w, http.StatusBadRequest, "Missing endpoint")
		return
	}

	rec, err := h.Store.SetPreferences(r.Context(), req.Endpoint,
		parseFrequency(req.FrequencyMinutes), models.Language(req.Language), h.now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Unknown endpoint")
		return
	}
	if err != nil {
		h.Logger.Error("failed to update preferences", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update preferences")
		return
	}

	h.Logger.Info("preferences updated",
		"endpoint", models.RedactEndpoint(rec.Endpoint()),
		"frequency_minutes", rec.FrequencyMinutes,
		"language", rec.Language)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"nextAt":           rec.NextAt.UnixMilli(),
		"frequencyMinutes": rec.FrequencyMinutes,
		"language":         rec.Language,
	})
}

// parseFrequency accepts a JSON number or numeric string. Anything else,
// including an absent field or NaN, means the default cadence. Values are
// bounded before the integer conversion so huge inputs land on the maximum.
func parseFrequency(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.DefaultFrequency
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return boundFrequency(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return boundFrequency(f)
		}
	}
	return models.DefaultFrequency
}

func boundFrequency(f float64) int {
	switch {
	case math.IsNaN(f):
		return models.DefaultFrequency
	case f >= models.MaxFrequency:
		return models.MaxFrequency
	case f <= models.MinFrequency:
		return models.MinFrequency
	}
	return int(f)
}

// RotateSubscriptionHandler moves a subscriber to the descriptor the browser
// issued after a pushsubscriptionchange.
func (h *Handler) RotateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldEndpoint     string                   `json:"oldEndpoint"`
		NewSubscription *models.PushSubscription `json:"newSubscription"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.NewSubscription.Validate(); err != nil {
		msg := "Missing new subscription"
		if !errors.Is(err, models.ErrMissingSubscription) && !errors.Is(err, models.ErrMissingEndpoint) {
			msg = validationMessage(err)
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rec, rotated, err := h.Store.Rotate(r.Context(), req.OldEndpoint, *req.NewSubscription, h.now())
	if err != nil {
		h.Logger.Error("failed to rotate subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to rotate subscription")
		return
	}
	if rotated {
		h.Logger.Info("rotated subscription",
			"from", models.RedactEndpoint(req.OldEndpoint),
			"to", models.RedactEndpoint(rec.Endpoint()))
	} else {
		h.Logger.Info("rotate fell back to upsert", "endpoint", models.RedactEndpoint(rec.Endpoint()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"endpoint": rec.Endpoint(),
		"rotated":  rotated,
	})
}

func (h *Handler) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		writeError(w, http.StatusBadRequest, "Missing endpoint")
		return
	}

	deleted, err := h.Store.Remove(r.Context(), req.Endpoint)
	if err != nil {
		h.Logger.Error("failed to delete subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	if deleted {
		h.Logger.Info("deleted subscription", "endpoint", models.RedactEndpoint(req.Endpoint))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
}

// SendPushHandler broadcasts a message to every subscriber right away.
func (h *Handler) SendPushHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	results, err := h.Scheduler.Broadcast(r.Context(), req.Message)
	if err != nil {
		h.Logger.Error("broadcast failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Broadcast failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

type subscriberView struct {
	Endpoint         string          `json:"endpoint"`
	FrequencyMinutes int             `json:"frequencyMinutes"`
	Language         models.Language `json:"language"`
	NextAt           int64           `json:"nextAt"`
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Store.List(r.Context())
	if err != nil {
		h.Logger.Error("failed to list subscribers", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list subscribers")
		return
	}

	users := make([]subscriberView, 0, len(subs))
	for _, s := range subs {
		users = append(users, subscriberView{
			Endpoint:         models.RedactEndpoint(s.Endpoint()),
			FrequencyMinutes: s.FrequencyMinutes,
			Language:         s.Language,
			NextAt:           s.NextAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"count":      len(users),
		"serverTime": h.now().UnixMilli(),
		"users":      users,
	})
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrMissingSubscription), errors.Is(err, models.ErrMissingEndpoint):
		return "No subscription provided"
	default:
		return "Invalid subscription: " + err.Error()
	}
}
