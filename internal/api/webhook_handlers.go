package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/reviewrelay/reviewrelay/internal/service"
)

// handleWebhook ingests one provider delivery. Senders always get a
// fast acknowledgment: 202 for admitted, ignored, and duplicate
// deliveries, 403 only when credentials do not match.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		jsonError(w, "empty payload", http.StatusBadRequest)
		return
	}

	result, err := s.receiver.Receive(r.Context(), r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrMissingSecret):
			jsonError(w, "invalid webhook credentials", http.StatusForbidden)
		default:
			s.logger.Error("webhook admission failed", "provider", r.PathValue("provider"), "error", err)
			jsonError(w, "failed to process webhook", http.StatusInternalServerError)
		}
		return
	}

	switch {
	case result.Ignored:
		jsonResponse(w, http.StatusAccepted, map[string]any{"ok": true, "ignored": true})
	case result.Duplicate:
		jsonResponse(w, http.StatusAccepted, map[string]any{"ok": true, "duplicate": true})
	default:
		jsonResponse(w, http.StatusAccepted, map[string]any{"ok": true})
	}
}
