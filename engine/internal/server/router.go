// Package server wires the engine's HTTP routes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/merlinhq/merlin/common/middleware"
	"github.com/merlinhq/merlin/engine/internal/handlers"
)

// Handlers groups the route handlers.
type Handlers struct {
	Health    *handlers.HealthHandler
	Webhooks  *handlers.WebhookHandler
	Events    *handlers.EventHandler
	Proposals *handlers.ProposalHandler
	Artifacts *handlers.ArtifactHandler
	Auth      *handlers.Authenticator
}

// NewRouter constructs a ServeMux with the engine routes registered.
// Webhooks authenticate by signature; the rest of the API requires a
// bearer token.
func NewRouter(h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Webhook ingress
	mux.HandleFunc("POST /api/v1/webhooks/jira", h.Webhooks.Jira)
	mux.HandleFunc("POST /api/v1/webhooks/zoom", h.Webhooks.Zoom)
	mux.HandleFunc("POST /api/v1/webhooks/slack", h.Webhooks.Slack)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/events", h.Events.List)
	api.HandleFunc("GET /api/v1/events/{id}", h.Events.Get)
	api.HandleFunc("POST /api/v1/events/{id}/retry", h.Events.Retry)
	api.HandleFunc("POST /api/v1/jira/import", h.Events.JiraImport)
	api.HandleFunc("POST /api/v1/jira/push", h.Events.JiraPush)

	api.HandleFunc("GET /api/v1/proposals", h.Proposals.List)
	api.HandleFunc("GET /api/v1/proposals/{id}", h.Proposals.Get)
	api.HandleFunc("GET /api/v1/proposals/{id}/impact", h.Proposals.Impact)
	api.HandleFunc("POST /api/v1/proposals/{id}/review", h.Proposals.Review)
	api.HandleFunc("POST /api/v1/proposals/{id}/approve", h.Proposals.Approve)
	api.HandleFunc("POST /api/v1/proposals/{id}/reject", h.Proposals.Reject)
	api.HandleFunc("POST /api/v1/proposals/{id}/supersede", h.Proposals.Supersede)
	api.HandleFunc("DELETE /api/v1/proposals/{id}", h.Proposals.Delete)

	api.HandleFunc("POST /api/v1/artifacts", h.Artifacts.Create)
	api.HandleFunc("PUT /api/v1/artifacts/{id}/content", h.Artifacts.Edit)
	api.HandleFunc("GET /api/v1/artifacts/{id}/versions", h.Artifacts.Versions)

	var protected http.Handler = api
	if h.Auth != nil {
		protected = h.Auth.RequireAuth(api)
	}
	mux.Handle("/api/v1/", protected)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health.Health)
	mux.HandleFunc("GET /readyz", h.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = middleware.AccessLog(logger)(handler)
	handler = middleware.Recover(logger)(handler)
	return middleware.RequestID(handler)
}
