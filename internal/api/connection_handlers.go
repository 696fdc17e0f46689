package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/reviewrelay/reviewrelay/internal/service"
)

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var input service.CreateConnectionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	conn, err := s.connections.CreateConnection(r.Context(), input)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, http.StatusCreated, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		jsonError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	conns, err := s.connections.ListConnections(r.Context(), userID)
	if err != nil {
		jsonError(w, "failed to list connections", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, conns)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	conn, err := s.connections.GetConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "connection not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load connection", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	if err := s.connections.DeleteConnection(r.Context(), id); err != nil {
		jsonError(w, "failed to delete connection", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	user, err := s.connections.TestConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "connection not found", http.StatusNotFound)
			return
		}
		jsonResponse(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "user": user})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "connection id")
	if !ok {
		return
	}
	report, err := s.connections.ComplianceReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "connection not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to build compliance report", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, report)
}
