package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

// createTemplateRequest is the JSON body for POST /v1/templates.
type createTemplateRequest struct {
	Name       string `json:"name" validate:"required"`
	Provider   string `json:"provider" validate:"required,oneof=AWS GCP AZURE MONGODB SNOWFLAKE"`
	BundlePath string `json:"bundle_path" validate:"required"`
}

// createTemplateGroupRequest is the JSON body for POST /v1/template-groups.
type createTemplateGroupRequest struct {
	Name        string   `json:"name" validate:"required"`
	TemplateIDs []string `json:"template_ids" validate:"required,min=1,dive,required"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tpl := &model.Template{
		ID:         model.NewID(),
		Name:       req.Name,
		Provider:   req.Provider,
		BundlePath: req.BundlePath,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.CreateTemplate(r.Context(), tpl); err != nil {
		s.logger.Error("create template", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}

	s.writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tpl, err := s.store.GetTemplate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		s.logger.Error("get template", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}

	s.writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleCreateTemplateGroup(w http.ResponseWriter, r *http.Request) {
	var req createTemplateGroupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	// Every member must exist; a group with dangling members would fail at
	// deploy time in a much less obvious way.
	for _, templateID := range req.TemplateIDs {
		if _, err := s.store.GetTemplate(r.Context(), templateID); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "template "+templateID+" not found")
			return
		} else if err != nil {
			s.logger.Error("resolve group member", "template_id", templateID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve group member")
			return
		}
	}

	g := &model.TemplateGroup{
		ID:          model.NewID(),
		Name:        req.Name,
		TemplateIDs: req.TemplateIDs,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateTemplateGroup(r.Context(), g); err != nil {
		s.logger.Error("create template group", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create template group")
		return
	}

	s.writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetTemplateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	g, err := s.store.GetTemplateGroup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "template group not found")
		return
	}
	if err != nil {
		s.logger.Error("get template group", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get template group")
		return
	}

	s.writeJSON(w, http.StatusOK, g)
}
