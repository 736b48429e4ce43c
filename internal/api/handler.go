// Package api exposes the index queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// CacheAdmin is implemented by query.CachedService.
type CacheAdmin interface {
	Invalidate(ctx context.Context) error
	Stats() (hits, misses int64)
}

type Handler struct {
	service      query.Service
	cache        CacheAdmin
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
}

// New builds a Handler. cache may be nil when result caching is disabled.
func New(service query.Service, cache CacheAdmin, defaultLimit, maxLimit int) *Handler {
	return &Handler{
		service:      service,
		cache:        cache,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       logger.WithComponent("api"),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// TopWords serves GET /api/v1/documents/{id}/words.
func (h *Handler) TopWords(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, fmt.Errorf("%w: document id must be a positive integer", apperrors.ErrInvalidInput))
		return
	}
	limit, err := h.limit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.TopWords(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// TopDocuments serves GET /api/v1/words/{word}/documents.
func (h *Handler) TopDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := h.limit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.service.TopDocuments(r.Context(), chi.URLParam(r, "word"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("top documents served",
		"word", res.Word,
		"returned", len(res.Results),
		"partial", res.Partial,
	)
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "caching is disabled", Code: "UNAVAILABLE"})
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// limit reads ?limit=, defaulting when absent and clamping to the maximum.
func (h *Handler) limit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return h.defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", apperrors.ErrInvalidInput)
	}
	if h.maxLimit > 0 && n > h.maxLimit {
		n = h.maxLimit
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("query failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("query rejected", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Code: apperrors.Code(err)})
}
