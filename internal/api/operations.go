package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labforge/labforge/internal/engine"
	"github.com/labforge/labforge/internal/model"
	"github.com/labforge/labforge/internal/store"
)

// operationLogLine is a single log line in the polling response.
type operationLogLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// operationLogsResponse is the JSON response for GET /v1/operations/:id/logs.
// HasMore tells pollers whether further output may still arrive; it is
// derived from the operation being non-terminal.
type operationLogsResponse struct {
	OperationID string             `json:"operation_id"`
	Status      string             `json:"status"`
	Lines       []operationLogLine `json:"lines"`
	HasMore     bool               `json:"has_more"`
}

// cancelResponse is the JSON response for POST /v1/operations/:id/cancel.
type cancelResponse struct {
	OperationID  string `json:"operation_id"`
	Cancelled    bool   `json:"cancelled"`
	ProcessFound bool   `json:"process_found"`
}

// listOperationsResponse wraps a workshop's operation history.
type listOperationsResponse struct {
	WorkshopID string             `json:"workshop_id"`
	Operations []*model.Operation `json:"operations"`
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		s.logger.Error("get operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetWorkshop(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workshop not found")
		return
	} else if err != nil {
		s.logger.Error("get workshop for operations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workshop")
		return
	}

	ops, err := s.store.ListOperationsByWorkshop(r.Context(), id)
	if err != nil {
		s.logger.Error("list operations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []*model.Operation{}
	}

	s.writeJSON(w, http.StatusOK, listOperationsResponse{WorkshopID: id, Operations: ops})
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := s.engine.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if errors.Is(err, engine.ErrNotCancellable) {
		s.writeError(w, http.StatusConflict, "operation already finished")
		return
	}
	if err != nil {
		s.logger.Error("cancel operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel operation")
		return
	}

	s.writeJSON(w, http.StatusOK, cancelResponse{
		OperationID:  id,
		Cancelled:    true,
		ProcessFound: found,
	})
}

func (s *Server) handleGetOperationLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		s.logger.Error("get operation for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]operationLogLine, len(logLines))
	for i, l := range logLines {
		lines[i] = operationLogLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, operationLogsResponse{
		OperationID: id,
		Status:      op.Status,
		Lines:       lines,
		HasMore:     !model.TerminalStatus(op.Status),
	})
}
