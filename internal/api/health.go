// Package api serves the collector's operational HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Check is one readiness condition. Fn returns nil when the dependency is
// usable.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handler struct {
	checks  []Check
	timeout time.Duration
	log     *zap.Logger
}

// NewHTTPHandler serves /metrics from g, /healthz and /readyz.
func NewHTTPHandler(g prometheus.Gatherer, checks []Check, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{checks: checks, timeout: 2 * time.Second, log: log.Named("http")}

	mux := http.NewServeMux()
	RegisterMetrics(mux, g)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failed := map[string]string{}
	for _, c := range h.checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.writeError(w, http.StatusServiceUnavailable, "not ready", failed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, details map[string]string) {
	writeJSON(w, status, map[string]any{"error": msg, "checks": details})
	h.log.Warn("request failed", zap.Int("status", status), zap.String("error", msg), zap.Any("checks", details))
}
