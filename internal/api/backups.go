package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rvail/pgarc/internal/model"
	"github.com/rvail/pgarc/internal/store"
)

// listBackupsResponse wraps the paginated catalog list response.
type listBackupsResponse struct {
	Backups []*model.Backup `json:"backups"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.listBackups(w, r, r.URL.Query().Get("job_id"), limit, offset)
}

// handleListJobBackups lists the catalog entries produced by one job.
func (s *Server) handleListJobBackups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job for backups", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.listBackups(w, r, id, 0, 0)
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request, jobID string, limit, offset int) {
	backups, total, err := s.store.ListBackups(r.Context(), jobID, limit, offset)
	if err != nil {
		s.logger.Error("list backups", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}

	if backups == nil {
		backups = []*model.Backup{}
	}

	s.writeJSON(w, http.StatusOK, listBackupsResponse{
		Backups: backups,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBackup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	if err != nil {
		s.logger.Error("get backup", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get backup")
		return
	}

	s.writeJSON(w, http.StatusOK, b)
}
