package api

import (
	"database/sql"
	"errors"
	"net/http"
)

func (s *Server) handleEnsureWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	project, err := s.hooks.EnsureProjectWebhook(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "project not found", http.StatusNotFound)
			return
		}
		s.logger.Error("webhook registration failed", "project_id", id, "error", err)
		jsonError(w, "webhook registration failed", http.StatusBadGateway)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"ok":         true,
		"webhook_id": project.WebhookID,
	})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	if err := s.hooks.DeleteProjectWebhook(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "project not found", http.StatusNotFound)
			return
		}
		s.logger.Error("webhook removal failed", "project_id", id, "error", err)
		jsonError(w, "webhook removal failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	if err := s.hooks.TestProjectWebhook(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "project not found", http.StatusNotFound)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}
