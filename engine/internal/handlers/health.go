package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/merlinhq/merlin/common/database"
	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/engine/internal/processor"
)

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	stats  func() processor.Stats
	checks map[string]ReadinessCheck
}

func NewHealthHandler(stats func() processor.Stats) *HealthHandler {
	return &HealthHandler{stats: stats, checks: map[string]ReadinessCheck{}}
}

// AddCheck registers a readiness dependency.
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) *HealthHandler {
	h.checks[name] = check
	return h
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy", "service": "merlin-engine"}
	if h.stats != nil {
		resp["stats"] = h.stats()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// Ready handles GET /readyz.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := database.QueryContext(r.Context())
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not_ready"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": ready, "checks": results})
}
