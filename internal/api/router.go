package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/middleware"
)

// NewRouter wires the query routes, probes and /metrics. Requests pass
// through RequestID, Recoverer, AccessLog, Metrics and Timeout in that order.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog)
	r.Use(middleware.Metrics(m))

	r.Get("/health/live", checker.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}
		r.Get("/documents/{id}/words", h.TopWords)
		r.Get("/words/{word}/documents", h.TopDocuments)
		r.Get("/cache/stats", h.CacheStats)
		r.Post("/cache/invalidate", h.CacheInvalidate)
	})
	return r
}
