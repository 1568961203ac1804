package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ouyangCL/remote-build/internal/core/deploylog"
	"github.com/ouyangCL/remote-build/internal/domain"
)

// maxUploadBytes caps pre-built artifact uploads.
const maxUploadBytes = 512 << 20

// DeploymentService is the orchestrator surface the handler needs.
type DeploymentService interface {
	Create(ctx context.Context, req domain.DeploymentCreateRequest, artifactData io.Reader) (*domain.Deployment, error)
	Rollback(ctx context.Context, fromDeploymentID int64, createdBy string) (*domain.Deployment, error)
	Cancel(ctx context.Context, deploymentID int64) error
}

type DeploymentHandler struct {
	svc  DeploymentService
	repo domain.DeploymentRepository
	sink *deploylog.Sink
}

func NewDeploymentHandler(svc DeploymentService, repo domain.DeploymentRepository, sink *deploylog.Sink) *DeploymentHandler {
	return &DeploymentHandler{svc: svc, repo: repo, sink: sink}
}

func (h *DeploymentHandler) Store(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req domain.DeploymentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Type == domain.DeployUpload {
		JSONError(w, http.StatusBadRequest, "Upload deployments must use the upload endpoint")
		return
	}

	if validationErrors := ValidateStruct(req); len(validationErrors) > 0 {
		JSONValidationError(w, validationErrors)
		return
	}

	req.CreatedBy = Identity(r.Context())

	d, err := h.svc.Create(r.Context(), req, nil)
	if err != nil {
		writeCreateError(w, err)
		return
	}

	JSONSuccess(w, http.StatusCreated, APIResponse{
		Message: "Deployment created",
		Data:    d,
	})
}

// StoreUpload accepts a multipart request carrying the deployment fields
// and a pre-built artifact file.
func (h *DeploymentHandler) StoreUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	projectID, err := strconv.ParseInt(r.FormValue("project_id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid project id")
		return
	}

	var groupIDs []int64
	for _, raw := range r.Form["server_group_ids"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "Invalid server group id")
			return
		}
		groupIDs = append(groupIDs, id)
	}

	req := domain.DeploymentCreateRequest{
		ProjectID:      projectID,
		Type:           domain.DeployUpload,
		Branch:         r.FormValue("branch"),
		ServerGroupIDs: groupIDs,
		CreatedBy:      Identity(r.Context()),
	}

	if validationErrors := ValidateStruct(req); len(validationErrors) > 0 {
		JSONValidationError(w, validationErrors)
		return
	}

	file, _, err := r.FormFile("artifact")
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Missing artifact file")
		return
	}
	defer file.Close()

	d, err := h.svc.Create(r.Context(), req, file)
	if err != nil {
		writeCreateError(w, err)
		return
	}

	JSONSuccess(w, http.StatusCreated, APIResponse{
		Message: "Upload deployment created",
		Data:    d,
	})
}

func (h *DeploymentHandler) Index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var projectID int64
	if raw := q.Get("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "Invalid project id")
			return
		}
		projectID = id
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	deployments, err := h.repo.List(r.Context(), projectID, limit)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to list deployments")
		return
	}

	JSONSuccess(w, http.StatusOK, APIResponse{Data: deployments})
}

func (h *DeploymentHandler) Show(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	JSONSuccess(w, http.StatusOK, APIResponse{Data: d})
}

// Logs is the incremental pull read model: entries with id > after plus
// the deployment's current status and progress, so a consumer can follow
// a deployment by polling alone.
func (h *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "Invalid watermark")
			return
		}
		after = parsed
	}

	entries, err := h.sink.Since(r.Context(), d.ID, after, 0)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to read deployment logs")
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}

	JSONSuccess(w, http.StatusOK, APIResponse{
		Data: map[string]any{
			"entries":   entries,
			"status":    d.Status,
			"progress":  d.Progress,
			"step":      d.Step,
			"watermark": d.Watermark,
		},
	})
}

func (h *DeploymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	if err := h.svc.Cancel(r.Context(), d.ID); err != nil {
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			JSONError(w, http.StatusConflict, cfgErr.Reason)
			return
		}
		JSONError(w, http.StatusInternalServerError, "Failed to cancel deployment")
		return
	}

	JSONSuccess(w, http.StatusOK, APIResponse{Message: "Cancellation requested"})
}

func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	created, err := h.svc.Rollback(r.Context(), d.ID, Identity(r.Context()))
	if err != nil {
		writeCreateError(w, err)
		return
	}

	JSONSuccess(w, http.StatusCreated, APIResponse{
		Message: "Rollback deployment created",
		Data:    created,
	})
}

func (h *DeploymentHandler) loadDeployment(w http.ResponseWriter, r *http.Request) (*domain.Deployment, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid deployment id")
		return nil, false
	}

	d, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrDeploymentNotFound) {
			JSONError(w, http.StatusNotFound, "Deployment not found")
			return nil, false
		}
		JSONError(w, http.StatusInternalServerError, "Failed to get deployment")
		return nil, false
	}
	return d, true
}

func writeCreateError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		JSONError(w, http.StatusUnprocessableEntity, cfgErr.Reason)
	case errors.Is(err, domain.ErrProjectNotFound):
		JSONError(w, http.StatusNotFound, "Project not found")
	case errors.Is(err, domain.ErrServerGroupNotFound):
		JSONError(w, http.StatusNotFound, "Server group not found")
	case errors.Is(err, domain.ErrDeploymentNotFound):
		JSONError(w, http.StatusNotFound, "Deployment not found")
	case errors.Is(err, domain.ErrArtifactMissing):
		JSONError(w, http.StatusConflict, "Referenced artifact no longer exists")
	default:
		JSONError(w, http.StatusInternalServerError, "Failed to create deployment")
	}
}
