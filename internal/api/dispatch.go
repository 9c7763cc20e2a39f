package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobrunner/internal/command"
	"github.com/seantiz/jobrunner/internal/engine"
	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createDispatchRequest is the JSON body for POST /v1/dispatches.
type createDispatchRequest struct {
	Line string `json:"line"`
}

// listDispatchesResponse wraps the paginated list response.
type listDispatchesResponse struct {
	Dispatches []*model.Dispatch `json:"dispatches"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// handleCreateDispatch parses a command line and dispatches it detached.
// An HTTP request never holds a connection open for a foreground run, so
// every API dispatch is a background dispatch.
func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var req createDispatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiSubmissionsTotal.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	spec, err := command.Parse(req.Line)
	if errors.Is(err, command.ErrEmptyLine) {
		apiSubmissionsTotal.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, "line is required")
		return
	}
	if err != nil {
		apiSubmissionsTotal.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec.Background = true

	id, err := s.engine.Dispatch(r.Context(), spec)
	switch {
	case errors.Is(err, engine.ErrInvalidSpec):
		apiSubmissionsTotal.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		apiSubmissionsTotal.WithLabelValues(submitUnavailable).Inc()
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	case err != nil:
		apiSubmissionsTotal.WithLabelValues(submitError).Inc()
		s.logger.Error("dispatch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch command")
		return
	}
	apiSubmissionsTotal.WithLabelValues(submitAccepted).Inc()

	d, err := s.store.GetDispatch(r.Context(), id)
	if err != nil {
		s.logger.Error("get created dispatch", "dispatch_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve dispatch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDispatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	if err != nil {
		s.logger.Error("get dispatch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	dispatches, total, err := s.store.ListDispatches(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list dispatches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}

	if dispatches == nil {
		dispatches = []*model.Dispatch{}
	}

	s.writeJSON(w, http.StatusOK, listDispatchesResponse{
		Dispatches: dispatches,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
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

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
