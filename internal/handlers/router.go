package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
)

const maxBodyBytes = 1 << 20

type RouterOptions struct {
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter wires every route and the shared middleware stack.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))

	c := corslib.New(corslib.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", signatureHeader},
	})
	r.Use(c.Handler)

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/vapid-public-key", h.GetVAPIDKeyHandler)
		r.Post("/save-subscription", h.SaveSubscriptionHandler)
		r.Post("/set-preferences", h.SetPreferencesHandler)
		r.Post("/rotate-subscription", h.RotateSubscriptionHandler)
		r.Post("/delete-subscription", h.DeleteSubscriptionHandler)

		r.Group(func(r chi.Router) {
			r.Use(h.AdminMiddleware)
			r.Get("/status", h.StatusHandler)
			r.Post("/send-push", h.SendPushHandler)
		})

		r.With(RateLimitMiddleware(opts.RateLimitRequests, opts.RateLimitWindow)).
			Get("/suggest_restrooms", h.SuggestRestroomsHandler)
	})

	return r
}
