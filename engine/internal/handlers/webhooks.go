// Package handlers serves the engine's webhook ingress and REST API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/database"
	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/dispatch"
	"github.com/merlinhq/merlin/engine/internal/metrics"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/ratelimit"
	"github.com/merlinhq/merlin/engine/internal/repository"
	"github.com/merlinhq/merlin/engine/internal/sources/jira"
	"github.com/merlinhq/merlin/engine/internal/sources/slack"
	"github.com/merlinhq/merlin/engine/internal/sources/zoom"
)

// Results recorded on the events-received counter.
const (
	resultAccepted    = "accepted"
	resultIgnored     = "ignored"
	resultRejected    = "rejected"
	resultRateLimited = "rate_limited"
)

// Supporter reports which events have a pipeline.
type Supporter interface {
	Supports(sourceType, eventType string) bool
}

// Secrets holds the per-source webhook signing secrets. An empty Jira secret
// disables Jira signature checks; Zoom and Slack always require one.
type Secrets struct {
	Jira  string
	Zoom  string
	Slack string
}

// WebhookHandler records incoming webhooks as pending events and dispatches
// them.
type WebhookHandler struct {
	store      repository.Store
	dispatcher dispatch.Dispatcher
	supporter  Supporter
	limiter    ratelimit.Limiter
	secrets    Secrets
	tenantID   string
	actorID    string
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebhookHandler(store repository.Store, d dispatch.Dispatcher, s Supporter, limiter ratelimit.Limiter, secrets Secrets, workflow config.WorkflowConfig, logger *slog.Logger) *WebhookHandler {
	if limiter == nil {
		limiter = ratelimit.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		store:      store,
		dispatcher: d,
		supporter:  s,
		limiter:    limiter,
		secrets:    secrets,
		tenantID:   workflow.DefaultTenantID,
		actorID:    workflow.DefaultActorID,
		logger:     logger.With(logging.Component("webhooks")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// tenant resolves the owning tenant. Webhook URLs may carry ?tenant_id=.
func (h *WebhookHandler) tenant(r *http.Request) string {
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return h.tenantID
}

// allow applies the per-source, per-tenant rate limit. Limiter errors fail
// open.
func (h *WebhookHandler) allow(w http.ResponseWriter, r *http.Request, source, tenantID string) bool {
	ok, err := h.limiter.Allow(r.Context(), ratelimit.Key(source, tenantID))
	if err != nil {
		h.logger.Warn("rate limiter unavailable", logging.SourceType(source), logging.Error(err))
		return true
	}
	if !ok {
		metrics.RateLimitHits.WithLabelValues(source).Inc()
		metrics.EventsReceived.WithLabelValues(source, resultRateLimited).Inc()
		w.Header().Set("Retry-After", "60")
		httputil.WriteCodedError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return false
	}
	return true
}

func (h *WebhookHandler) reject(w http.ResponseWriter, source string, status int, message string) {
	metrics.EventsReceived.WithLabelValues(source, resultRejected).Inc()
	httputil.WriteError(w, status, message)
}

func (h *WebhookHandler) ignore(w http.ResponseWriter, source, eventType string) {
	metrics.EventsReceived.WithLabelValues(source, resultIgnored).Inc()
	h.logger.Debug("ignoring webhook", logging.SourceType(source), logging.EventType(eventType))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// accept stores the event and hands it to the dispatcher. The sender gets
// 202 once the event is stored, even if dispatch fails; a pending event can
// be dispatched again through the retry endpoint.
func (h *WebhookHandler) accept(w http.ResponseWriter, r *http.Request, tenantID, source, eventType, externalID string, payload []byte) {
	if h.supporter != nil && !h.supporter.Supports(source, eventType) {
		h.ignore(w, source, eventType)
		return
	}

	event, err := recordEvent(r.Context(), h.store, h.now(), tenantID, h.actorID, source, eventType, externalID, payload)
	if err != nil {
		h.logger.Error("failed to store webhook event", logging.SourceType(source), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store event")
		return
	}
	metrics.EventsReceived.WithLabelValues(source, resultAccepted).Inc()

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.Error("failed to dispatch event", logging.EventID(event.ID), logging.Error(err))
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": event.ID})
}

func recordEvent(ctx context.Context, store repository.Store, now time.Time, tenantID, actorID, source, eventType, externalID string, payload []byte) (*models.EventRecord, error) {
	event := &models.EventRecord{
		ID:                 models.NewID(),
		TenantID:           tenantID,
		ActorID:            actorID,
		SourceType:         source,
		EventType:          eventType,
		Payload:            json.RawMessage(payload),
		Status:             models.EventPending,
		CreatedWorkItemIDs: []string{},
		CreatedNodeIDs:     []string{},
		CreatedAt:          now,
	}
	if externalID != "" {
		event.ExternalID = &externalID
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	if err := store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Jira handles POST /api/v1/webhooks/jira.
func (h *WebhookHandler) Jira(w http.ResponseWriter, r *http.Request) {
	const source = models.SourceJira
	body, err := httputil.ReadBody(r)
	if err != nil {
		h.reject(w, source, http.StatusBadRequest, err.Error())
		return
	}
	if h.secrets.Jira != "" {
		if err := verifyJiraSignature(h.secrets.Jira, r.Header.Get("X-Hub-Signature"), body); err != nil {
			h.reject(w, source, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var payload jira.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.WebhookEvent == "" {
		h.reject(w, source, http.StatusBadRequest, "invalid jira webhook payload")
		return
	}

	tenantID := h.tenant(r)
	if !h.allow(w, r, source, tenantID) {
		return
	}

	var externalID string
	if len(payload.Issue) > 0 {
		if issue, err := jira.ParseIssue(payload.Issue); err == nil {
			externalID = issue.Key
		}
	}
	h.accept(w, r, tenantID, source, payload.WebhookEvent, externalID, body)
}

// Zoom handles POST /api/v1/webhooks/zoom, including the endpoint URL
// validation challenge.
func (h *WebhookHandler) Zoom(w http.ResponseWriter, r *http.Request) {
	const source = models.SourceZoom
	body, err := httputil.ReadBody(r)
	if err != nil {
		h.reject(w, source, http.StatusBadRequest, err.Error())
		return
	}

	var payload zoom.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Event == "" {
		h.reject(w, source, http.StatusBadRequest, "invalid zoom webhook payload")
		return
	}

	if payload.Event == zoom.EventURLValidation {
		plain := payload.Payload.PlainToken
		if plain == "" {
			h.reject(w, source, http.StatusBadRequest, "missing plainToken")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"plainToken":     plain,
			"encryptedToken": zoomEncryptedToken(h.secrets.Zoom, plain),
		})
		return
	}

	timestamp := r.Header.Get("x-zm-request-timestamp")
	if err := verifyV0Signature(h.secrets.Zoom, timestamp, r.Header.Get("x-zm-signature"), body); err != nil {
		h.reject(w, source, http.StatusUnauthorized, err.Error())
		return
	}
	if err := checkTimestamp(timestamp, h.now()); err != nil {
		h.reject(w, source, http.StatusUnauthorized, err.Error())
		return
	}

	tenantID := h.tenant(r)
	if !h.allow(w, r, source, tenantID) {
		return
	}
	h.accept(w, r, tenantID, source, payload.Event, payload.Payload.Object.UUID, body)
}

// Slack handles POST /api/v1/webhooks/slack, including the url_verification
// handshake.
func (h *WebhookHandler) Slack(w http.ResponseWriter, r *http.Request) {
	const source = models.SourceSlack
	body, err := httputil.ReadBody(r)
	if err != nil {
		h.reject(w, source, http.StatusBadRequest, err.Error())
		return
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	if err := verifyV0Signature(h.secrets.Slack, timestamp, r.Header.Get("X-Slack-Signature"), body); err != nil {
		h.reject(w, source, http.StatusUnauthorized, err.Error())
		return
	}
	if err := checkTimestamp(timestamp, h.now()); err != nil {
		h.reject(w, source, http.StatusUnauthorized, err.Error())
		return
	}

	var env slack.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.reject(w, source, http.StatusBadRequest, "invalid slack event payload")
		return
	}

	switch env.Type {
	case slack.TypeURLVerification:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	case slack.TypeEventCallback:
	default:
		h.ignore(w, source, env.Type)
		return
	}

	if !env.Event.Actionable() {
		h.ignore(w, source, env.Event.Type)
		return
	}

	tenantID := h.tenant(r)
	if !h.allow(w, r, source, tenantID) {
		return
	}
	h.accept(w, r, tenantID, source, env.Event.Type, env.EventID, body)
}
