package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/proposals"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httputil.WriteCodedError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, proposals.ErrAlreadyProcessed):
		httputil.WriteCodedError(w, http.StatusConflict, "already_processed", err.Error())
	case errors.Is(err, proposals.ErrDeleteNotAllowed):
		httputil.WriteCodedError(w, http.StatusConflict, "delete_not_allowed", err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		httputil.WriteCodedError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, repository.ErrConflict):
		httputil.WriteCodedError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, proposals.ErrNotesRequired):
		httputil.WriteCodedError(w, http.StatusUnprocessableEntity, "notes_required", err.Error())
	case errors.Is(err, repository.ErrUnavailable):
		logger.Error("store unavailable", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		logger.Error("request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// callerTenant returns the authenticated tenant. Routes without auth fall
// back to fallback.
func callerTenant(r *http.Request, fallback string) string {
	if c := ClaimsFrom(r.Context()); c != nil && c.TenantID != "" {
		return c.TenantID
	}
	return fallback
}

func callerID(r *http.Request, fallback string) string {
	if c := ClaimsFrom(r.Context()); c != nil && c.UserID != "" {
		return c.UserID
	}
	return fallback
}

// ownedBy hides records of other tenants behind a not-found.
func ownedBy(r *http.Request, tenantID string) error {
	c := ClaimsFrom(r.Context())
	if c != nil && c.TenantID != "" && c.TenantID != tenantID {
		return repository.ErrNotFound
	}
	return nil
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	body, err := httputil.ReadBody(r)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

type supersedeRequest struct {
	SupersededBy string `json:"superseded_by"`
}

// ProposalHandler serves the reviewer API.
type ProposalHandler struct {
	service *proposals.Service
	logger  *slog.Logger
}

func NewProposalHandler(service *proposals.Service, logger *slog.Logger) *ProposalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProposalHandler{service: service, logger: logger.With(logging.Component("proposals_api"))}
}

// load fetches the proposal in the path and checks tenancy.
func (h *ProposalHandler) load(w http.ResponseWriter, r *http.Request) (*models.ChangeProposal, bool) {
	p, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err == nil {
		err = ownedBy(r, p.TenantID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	return p, true
}

// List handles GET /api/v1/proposals.
func (h *ProposalHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := httputil.ParsePagination(r, defaultPageSize, maxPageSize)
	f := repository.ProposalFilter{
		TenantID:     callerTenant(r, q.Get("tenant_id")),
		ProjectID:    q.Get("project_id"),
		ArtifactID:   q.Get("artifact_id"),
		Status:       models.ProposalStatus(q.Get("status")),
		AssignedToID: q.Get("assigned_to_id"),
		Limit:        page.Limit,
		Offset:       page.Offset(),
	}
	if q.Get("mine") == "true" {
		f.AssignedToID = callerID(r, f.AssignedToID)
	}

	list, err := h.service.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*models.ChangeProposal{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"proposals": list, "count": len(list)})
}

// Get handles GET /api/v1/proposals/{id}.
func (h *ProposalHandler) Get(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.load(w, r); ok {
		httputil.WriteJSON(w, http.StatusOK, p)
	}
}

// Impact handles GET /api/v1/proposals/{id}/impact.
func (h *ProposalHandler) Impact(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	record, err := h.service.Impact(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// Review handles POST /api/v1/proposals/{id}/review.
func (h *ProposalHandler) Review(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	updated, err := h.service.StartReview(r.Context(), p.ID, callerID(r, ""))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// Approve handles POST /api/v1/proposals/{id}/approve.
func (h *ProposalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	approved, version, err := h.service.Approve(r.Context(), p.ID, callerID(r, ""), req.Notes)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"proposal": approved, "version": version})
}

// Reject handles POST /api/v1/proposals/{id}/reject.
func (h *ProposalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rejected, err := h.service.Reject(r.Context(), p.ID, callerID(r, ""), req.Notes)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rejected)
}

// Supersede handles POST /api/v1/proposals/{id}/supersede.
func (h *ProposalHandler) Supersede(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	var req supersedeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.SupersededBy) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "superseded_by is required")
		return
	}

	updated, err := h.service.Supersede(r.Context(), p.ID, req.SupersededBy)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/v1/proposals/{id}.
func (h *ProposalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), p.ID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
