package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/reviewrelay/reviewrelay/internal/models"
)

func (s *Server) handleGetReviewConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	cfg, err := s.db.GetReviewConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Projects without an explicit config get the defaults.
			jsonResponse(w, http.StatusOK, &models.ReviewConfig{ProjectID: id})
			return
		}
		jsonError(w, "failed to load review config", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, cfg)
}

func (s *Server) handleUpsertReviewConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "project id")
	if !ok {
		return
	}
	var input struct {
		AutoReview      bool     `json:"auto_review"`
		TriggerLabels   []string `json:"trigger_labels"`
		MinChangedLines int      `json:"min_changed_lines"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if input.MinChangedLines < 0 {
		jsonError(w, "min_changed_lines must not be negative", http.StatusBadRequest)
		return
	}
	if _, err := s.db.GetProjectByID(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "project not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load project", http.StatusInternalServerError)
		return
	}
	labels := make([]string, 0, len(input.TriggerLabels))
	for _, l := range input.TriggerLabels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	cfg := &models.ReviewConfig{
		ProjectID:        id,
		AutoReview:       input.AutoReview,
		TriggerLabelsCSV: strings.Join(labels, ","),
		TriggerLabels:    labels,
		MinChangedLines:  input.MinChangedLines,
	}
	if err := s.db.UpsertReviewConfig(r.Context(), cfg); err != nil {
		jsonError(w, "failed to save review config", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, cfg)
}

func (s *Server) handleRedeliverNow(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "redelivery is not enabled", http.StatusServiceUnavailable)
		return
	}
	n := s.scheduler.Sweep(r.Context())
	jsonResponse(w, http.StatusOK, map[string]any{"redelivered": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	body := map[string]any{"status": "ok"}
	if stats, err := s.db.EventBacklogStats(r.Context()); err == nil {
		backlog := map[string]any{
			"unprocessed": stats.Unprocessed,
			"processed":   stats.Processed,
		}
		if stats.OldestPending != nil {
			backlog["oldest_pending"] = stats.OldestPending
		}
		body["events"] = backlog
	}
	jsonResponse(w, http.StatusOK, body)
}
