package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/dispatch"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
	"github.com/merlinhq/merlin/engine/internal/sources/jira"
)

// Retrier resets a finished event to pending.
type Retrier interface {
	Retry(ctx context.Context, eventID string) (*models.EventRecord, error)
}

// EventHandler serves the event ledger and the Jira import and push
// commands, which are recorded as events like webhooks are.
type EventHandler struct {
	store      repository.Store
	retrier    Retrier
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewEventHandler(store repository.Store, retrier Retrier, d dispatch.Dispatcher, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		store:      store,
		retrier:    retrier,
		dispatcher: d,
		logger:     logger.With(logging.Component("events_api")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *EventHandler) load(w http.ResponseWriter, r *http.Request) (*models.EventRecord, bool) {
	e, err := h.store.GetEvent(r.Context(), r.PathValue("id"))
	if err == nil {
		err = ownedBy(r, e.TenantID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	return e, true
}

// List handles GET /api/v1/events.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := httputil.ParsePagination(r, defaultPageSize, maxPageSize)
	events, err := h.store.ListEvents(r.Context(), repository.EventFilter{
		TenantID:   callerTenant(r, q.Get("tenant_id")),
		SourceType: q.Get("source_type"),
		Status:     models.EventStatus(q.Get("status")),
		Limit:      page.Limit,
		Offset:     page.Offset(),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []*models.EventRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// Get handles GET /api/v1/events/{id}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	if e, ok := h.load(w, r); ok {
		httputil.WriteJSON(w, http.StatusOK, e)
	}
}

// Retry handles POST /api/v1/events/{id}/retry. Finished events are reset
// first; a pending event is only dispatched again.
func (h *EventHandler) Retry(w http.ResponseWriter, r *http.Request) {
	e, ok := h.load(w, r)
	if !ok {
		return
	}
	if e.Status != models.EventPending {
		reset, err := h.retrier.Retry(r.Context(), e.ID)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		e = reset
	}

	if err := h.dispatcher.Dispatch(r.Context(), e); err != nil {
		h.logger.Error("failed to dispatch event", logging.EventID(e.ID), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to dispatch event")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, e)
}

// submit records an engine-originated event and dispatches it.
func (h *EventHandler) submit(w http.ResponseWriter, r *http.Request, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}
	event, err := recordEvent(r.Context(), h.store, h.now(), callerTenant(r, ""), callerID(r, ""), models.SourceJira, eventType, "", body)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.Error("failed to dispatch event", logging.EventID(event.ID), logging.Error(err))
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": event.ID})
}

// JiraImport handles POST /api/v1/jira/import.
func (h *EventHandler) JiraImport(w http.ResponseWriter, r *http.Request) {
	var req jira.ImportRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.JQL) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "jql is required")
		return
	}
	h.submit(w, r, jira.EventBulkImport, req)
}

// JiraPush handles POST /api/v1/jira/push.
func (h *EventHandler) JiraPush(w http.ResponseWriter, r *http.Request) {
	var req jira.PushRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkItemID == "" || req.ProjectKey == "" {
		httputil.WriteError(w, http.StatusBadRequest, "work_item_id and project_key are required")
		return
	}

	item, err := h.store.GetWorkItem(r.Context(), req.WorkItemID)
	if err == nil {
		err = ownedBy(r, item.TenantID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if item.Source == models.SourceJira {
		httputil.WriteCodedError(w, http.StatusConflict, "already_linked", "work item is already linked to jira issue "+item.SourceID)
		return
	}
	h.submit(w, r, jira.EventPush, req)
}
