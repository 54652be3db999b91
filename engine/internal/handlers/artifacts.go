package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/merlinhq/merlin/common/httputil"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/proposals"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

type createArtifactRequest struct {
	ProjectID     string  `json:"project_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Content       string  `json:"content"`
	ContentFormat string  `json:"content_format"`
	OwnerID       *string `json:"current_owner_id"`
}

type editArtifactRequest struct {
	Content string `json:"content"`
}

// ArtifactHandler serves artifact creation, manual edits and history.
type ArtifactHandler struct {
	store   repository.Store
	service *proposals.Service
	logger  *slog.Logger
}

func NewArtifactHandler(store repository.Store, service *proposals.Service, logger *slog.Logger) *ArtifactHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactHandler{store: store, service: service, logger: logger.With(logging.Component("artifacts_api"))}
}

func (h *ArtifactHandler) load(w http.ResponseWriter, r *http.Request) (*models.Artifact, bool) {
	a, err := h.store.GetArtifact(r.Context(), r.PathValue("id"))
	if err == nil {
		err = ownedBy(r, a.TenantID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	return a, true
}

// Create handles POST /api/v1/artifacts.
func (h *ArtifactHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createArtifactRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" || strings.TrimSpace(req.Name) == "" || req.Type == "" {
		httputil.WriteError(w, http.StatusBadRequest, "project_id, name and type are required")
		return
	}

	project, err := h.store.GetProject(r.Context(), req.ProjectID)
	if err == nil {
		err = ownedBy(r, project.TenantID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	a := &models.Artifact{
		TenantID:       project.TenantID,
		ProjectID:      project.ID,
		Name:           strings.TrimSpace(req.Name),
		Type:           req.Type,
		Content:        req.Content,
		ContentFormat:  req.ContentFormat,
		CurrentOwnerID: req.OwnerID,
	}
	version, err := h.service.CreateArtifact(r.Context(), a, callerID(r, project.CreatedByID))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"artifact": a, "version": version})
}

// Edit handles PUT /api/v1/artifacts/{id}/content.
func (h *ArtifactHandler) Edit(w http.ResponseWriter, r *http.Request) {
	a, ok := h.load(w, r)
	if !ok {
		return
	}
	var req editArtifactRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := h.service.RecordManualEdit(r.Context(), a.ID, req.Content, callerID(r, "unknown"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, version)
}

// Versions handles GET /api/v1/artifacts/{id}/versions.
func (h *ArtifactHandler) Versions(w http.ResponseWriter, r *http.Request) {
	a, ok := h.load(w, r)
	if !ok {
		return
	}
	versions, err := h.service.Versions(r.Context(), a.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if versions == nil {
		versions = []*models.ArtifactVersion{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}
