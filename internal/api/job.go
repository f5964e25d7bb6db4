package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rvail/pgarc/internal/engine"
	"github.com/rvail/pgarc/internal/model"
	"github.com/rvail/pgarc/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	RestoreOf string `json:"restore_of,omitempty"`
	TimeoutS  *int   `json:"timeout_s,omitempty"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindBackup
	}
	if !model.ValidKind(req.Kind) {
		s.writeError(w, http.StatusBadRequest, "kind must be backup or restore")
		return
	}
	if req.Kind == model.KindRestore && req.RestoreOf == "" {
		s.writeError(w, http.StatusBadRequest, "restore_of is required for restore jobs")
		return
	}
	if req.TimeoutS != nil && *req.TimeoutS <= 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_s must be positive")
		return
	}

	j := &model.Job{
		Kind:      req.Kind,
		Name:      req.Name,
		RestoreOf: req.RestoreOf,
		TimeoutS:  req.TimeoutS,
	}

	if err := s.engine.Submit(r.Context(), j); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownJob):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case req.Kind == model.KindRestore:
			// Submit validates restore_of before storing anything.
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleKillJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Kill(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error("kill job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to kill job")
		}
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
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
