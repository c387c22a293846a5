package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

const defaultRunListLimit = 50

// RunList groups runs in flight and recently archived runs.
type RunList struct {
	Active []*core.RunSnapshot `json:"active"`
	Recent []*core.RunSnapshot `json:"recent"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	out := RunList{Active: s.engine.Active(), Recent: []*core.RunSnapshot{}}
	if s.store != nil {
		recent, err := s.store.List(r.Context(), limit)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if recent != nil {
			out.Recent = recent
		}
	}
	s.respondJSON(w, http.StatusOK, out)
}

// handleGetRun prefers the live run and falls back to the archive.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(chi.URLParam(r, "runID"))
	if snap, ok := s.engine.Lookup(id); ok {
		s.respondJSON(w, http.StatusOK, snap)
		return
	}
	if s.store == nil {
		s.respondDomainError(w, core.ErrNotFound("run", string(id)))
		return
	}
	snap, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(chi.URLParam(r, "runID"))
	if err := s.engine.Cancel(id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": string(id), "status": "cancelling"})
}
