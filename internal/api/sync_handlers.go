package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/reviewrelay/reviewrelay/internal/remote"
)

func (s *Server) handleSyncProjects(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	report, err := s.sync.SyncProjects(r.Context(), id)
	if err != nil {
		s.syncError(w, "project sync", err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleRecoverConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	report, err := s.sync.RecoverConnection(r.Context(), id)
	if err != nil {
		s.syncError(w, "connection recovery", err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleRecoverProject(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	remoteID := strings.TrimSpace(r.PathValue("remote_id"))
	if remoteID == "" {
		jsonError(w, "remote project id is required", http.StatusBadRequest)
		return
	}
	report, err := s.sync.RecoverProjectByRemoteID(r.Context(), id, remoteID)
	if err != nil {
		// Partial progress is still worth returning alongside the error.
		if report != nil && report.Checked > 0 {
			jsonResponse(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
			return
		}
		s.syncError(w, "project recovery", err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	projects, err := s.db.ListProjectsByConnection(r.Context(), id)
	if err != nil {
		jsonError(w, "failed to list projects", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	project, err := s.db.GetProjectByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "project not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load project", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleSyncMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	report, err := s.sync.SyncProjectMembers(r.Context(), id)
	if err != nil {
		s.syncError(w, "member sync", err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleSyncBranches(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	report, err := s.sync.SyncProjectBranches(r.Context(), id)
	if err != nil {
		s.syncError(w, "branch sync", err)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	members, err := s.db.ListProjectMembers(r.Context(), id)
	if err != nil {
		jsonError(w, "failed to list members", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, members)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	branches, err := s.db.ListProjectBranches(r.Context(), id)
	if err != nil {
		jsonError(w, "failed to list branches", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, branches)
}

// syncError maps gateway error taxonomy onto HTTP responses for the
// admin surface.
func (s *Server) syncError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		jsonError(w, "not found", http.StatusNotFound)
	case remote.IsCircuitOpen(err):
		jsonError(w, "remote host circuit is open, retry later", http.StatusServiceUnavailable)
	default:
		var rle *remote.RateLimitedError
		if errors.As(err, &rle) {
			jsonError(w, "remote host is rate limiting, retry later", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error(op+" failed", "error", err)
		jsonError(w, op+" failed", http.StatusBadGateway)
	}
}
