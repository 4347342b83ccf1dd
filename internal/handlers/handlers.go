// Package handlers exposes the subscription, broadcast and suggestion APIs.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"peepal-go/internal/metrics"
	"peepal-go/internal/reminder"
	"peepal-go/internal/store"
	"peepal-go/internal/suggest"

	"github.com/pkg/errors"
)

type Handler struct {
	Store     store.SubscriptionStore
	Scheduler *reminder.Scheduler
	Suggest   *suggest.Service
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	VAPIDPublicKey string
	AdminSecret    string

	now func() time.Time
}

type Options struct {
	VAPIDPublicKey string
	// AdminSecret enables signature checks on the broadcast and status
	// routes. Empty disables them.
	AdminSecret string
	Now         func() time.Time
}

func NewHandler(st store.SubscriptionStore, sched *reminder.Scheduler, svc *suggest.Service, m *metrics.Metrics, logger *slog.Logger, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		Store:          st,
		Scheduler:      sched,
		Suggest:        svc,
		Metrics:        m,
		Logger:         logger,
		VAPIDPublicKey: opts.VAPIDPublicKey,
		AdminSecret:    opts.AdminSecret,
		now:            opts.Now,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON body")
	return false
}
