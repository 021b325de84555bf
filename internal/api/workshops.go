package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/labforge/labforge/internal/engine"
	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createWorkshopRequest is the JSON body for POST /v1/workshops. Exactly one
// of template_id and template_group_id must be set.
type createWorkshopRequest struct {
	Name            string                    `json:"name" validate:"required"`
	TemplateID      string                    `json:"template_id" validate:"required_without=TemplateGroupID,excluded_with=TemplateGroupID"`
	TemplateGroupID string                    `json:"template_group_id"`
	Variables       map[string]any            `json:"variables"`
	GroupVariables  map[string]map[string]any `json:"group_variables"`
	TTLHours        int                       `json:"ttl_hours" validate:"omitempty,min=1,max=720"`
}

// dispatchRequest is the JSON body for deploy and destroy triggers.
type dispatchRequest struct {
	Variables map[string]any `json:"variables"`
	Initiator string         `json:"initiator"`
}

// dispatchResponse reports the operations started by a deploy or destroy.
type dispatchResponse struct {
	WorkshopID   string   `json:"workshop_id"`
	OperationIDs []string `json:"operation_ids"`
}

func (s *Server) handleCreateWorkshop(w http.ResponseWriter, r *http.Request) {
	var req createWorkshopRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	// Reject dangling references up front rather than at deploy time.
	if req.TemplateID != "" {
		if _, err := s.store.GetTemplate(r.Context(), req.TemplateID); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "template not found")
			return
		} else if err != nil {
			s.logger.Error("resolve template", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve template")
			return
		}
	}
	if req.TemplateGroupID != "" {
		if _, err := s.store.GetTemplateGroup(r.Context(), req.TemplateGroupID); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "template group not found")
			return
		} else if err != nil {
			s.logger.Error("resolve template group", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve template group")
			return
		}
	}

	groupVars := make(map[string]map[string]any, len(req.GroupVariables))
	for templateID, vars := range req.GroupVariables {
		groupVars[templateID] = model.SanitizeVariables(vars)
	}

	now := time.Now().UTC()
	ws := &model.Workshop{
		ID:              model.NewID(),
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		TemplateGroupID: req.TemplateGroupID,
		Status:          model.WorkshopPending,
		Variables:       model.SanitizeVariables(req.Variables),
		GroupVariables:  groupVars,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.TTLHours > 0 {
		expires := now.Add(time.Duration(req.TTLHours) * time.Hour)
		ws.ExpiresAt = &expires
	}

	if err := s.store.CreateWorkshop(r.Context(), ws); err != nil {
		s.logger.Error("create workshop", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workshop")
		return
	}

	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkshop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ws, err := s.store.GetWorkshop(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workshop not found")
		return
	}
	if err != nil {
		s.logger.Error("get workshop", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workshop")
		return
	}

	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeployWorkshop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req dispatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ws, err := s.store.GetWorkshop(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workshop not found")
		return
	}
	if err != nil {
		s.logger.Error("get workshop for deploy", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workshop")
		return
	}
	if ws.Status == model.WorkshopDeploying || ws.Status == model.WorkshopDestroying {
		s.writeError(w, http.StatusConflict, "an operation is already in progress for this workshop")
		return
	}

	ids, err := s.engine.DeployWorkshop(r.Context(), id, req.Initiator, req.Variables)
	if err != nil {
		s.logger.Error("start deploy", "workshop_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start deploy")
		return
	}

	s.writeJSON(w, http.StatusAccepted, dispatchResponse{WorkshopID: id, OperationIDs: ids})
}

func (s *Server) handleDestroyWorkshop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req dispatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ws, err := s.store.GetWorkshop(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workshop not found")
		return
	}
	if err != nil {
		s.logger.Error("get workshop for destroy", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workshop")
		return
	}
	if ws.Status == model.WorkshopDeploying || ws.Status == model.WorkshopDestroying {
		s.writeError(w, http.StatusConflict, "an operation is already in progress for this workshop")
		return
	}

	ids, err := s.engine.DestroyWorkshop(r.Context(), id, req.Initiator)
	if errors.Is(err, engine.ErrNothingDeployed) {
		s.writeError(w, http.StatusBadRequest, "no deployed resources to destroy")
		return
	}
	if err != nil {
		s.logger.Error("start destroy", "workshop_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start destroy")
		return
	}

	s.writeJSON(w, http.StatusAccepted, dispatchResponse{WorkshopID: id, OperationIDs: ids})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes the request body into dst. An empty body is accepted;
// dst keeps its zero values.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeAndValidate decodes the request body into dst and runs struct
// validation, writing a 400 response on any failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders the first validation failure as a client-facing
// message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "field " + strings.ToLower(fe.Field()) + " is invalid (" + fe.Tag() + ")"
	}
	return "invalid request"
}
