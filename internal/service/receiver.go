// Package service holds the integration's business logic: webhook
// admission, project/member/branch synchronization, recovery, remote
// webhook registration, and connection management.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/jobs"
	"github.com/reviewrelay/reviewrelay/internal/models"
)

var (
	// ErrMissingSecret means no webhook secret is configured anywhere in
	// scope for the resolved project.
	ErrMissingSecret = errors.New("no webhook secret configured")

	// ErrInvalidCredentials means neither the token header nor the HMAC
	// signature matched the expected secret.
	ErrInvalidCredentials = errors.New("webhook credentials did not match")
)

const (
	headerToken     = "X-Gitlab-Token"
	headerEvent     = "X-Gitlab-Event"
	headerEventUUID = "X-Gitlab-Event-UUID"

	// Both signature spellings are accepted.
	headerSignature    = "X-Gitlab-Webhook-Signature"
	headerSignatureHub = "X-Hub-Signature-256"

	dedupTTL = 10 * time.Minute
)

// AdmissionResult acknowledges an inbound webhook. Ignored and
// Duplicate are success states: the sender gets a 2xx either way.
type AdmissionResult struct {
	EventID   int64
	Ignored   bool
	Duplicate bool
}

// WebhookReceiver authenticates, dedups, persists, and enqueues
// inbound webhook deliveries.
type WebhookReceiver struct {
	db           database.DB
	queue        *jobs.Queue
	globalSecret string
	logger       *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewWebhookReceiver(db database.DB, queue *jobs.Queue, globalSecret string, logger *slog.Logger) *WebhookReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{
		db:           db,
		queue:        queue,
		globalSecret: globalSecret,
		logger:       logger,
		seen:         make(map[string]time.Time),
		now:          time.Now,
	}
}

// Receive runs the admission pipeline for one delivery. The body is the
// raw payload exactly as signed by the sender.
func (r *WebhookReceiver) Receive(ctx context.Context, header http.Header, body []byte) (*AdmissionResult, error) {
	remoteID, err := extractProjectID(body)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	project, err := r.db.GetProjectByRemoteID(ctx, remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Orphan delivery for a project we do not track. Acknowledged
			// so the sender does not retry forever.
			return &AdmissionResult{Ignored: true}, nil
		}
		return nil, fmt.Errorf("resolve project: %w", err)
	}

	secret := project.WebhookSecret
	if secret == "" {
		secret = r.globalSecret
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if !r.authenticate(header, body, secret) {
		return nil, ErrInvalidCredentials
	}

	eventType := normalizeEventType(header.Get(headerEvent), body)
	key := idempotencyKey(header.Get(headerEventUUID), eventType, project.ID, body)
	if r.alreadyHandled(key) {
		return &AdmissionResult{Duplicate: true}, nil
	}

	event := &models.WebhookEvent{
		ProjectID: project.ID,
		EventType: eventType,
		Payload:   body,
	}
	if err := r.db.CreateWebhookEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist webhook event: %w", err)
	}
	r.queue.Enqueue(event.ID)
	r.markHandled(key)
	return &AdmissionResult{EventID: event.ID}, nil
}

// authenticate accepts an exact token match or an HMAC-SHA256 of the
// body under either signature header. Comparisons are constant time.
func (r *WebhookReceiver) authenticate(header http.Header, body []byte, secret string) bool {
	if token := header.Get(headerToken); token != "" {
		return hmac.Equal([]byte(token), []byte(secret))
	}
	sig := header.Get(headerSignature)
	if sig == "" {
		sig = header.Get(headerSignatureHub)
	}
	if sig == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	expected := hex.EncodeToString(m.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

func idempotencyKey(eventUUID, eventType string, projectID int64, body []byte) string {
	h := sha256.New()
	h.Write([]byte(eventUUID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(projectID, 10)))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (r *WebhookReceiver) alreadyHandled(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.seen[key]
	if !ok {
		return false
	}
	if r.now().Sub(at) > dedupTTL {
		delete(r.seen, key)
		return false
	}
	return true
}

func (r *WebhookReceiver) markHandled(key string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, at := range r.seen {
		if now.Sub(at) > dedupTTL {
			delete(r.seen, k)
		}
	}
	r.seen[key] = now
}

// extractProjectID digs the remote project id out of the payload
// shapes the host sends: top-level project_id, a project object, or
// merge-request target_project_id.
func extractProjectID(body []byte) (string, error) {
	var payload struct {
		ProjectID *int64 `json:"project_id"`
		Project   struct {
			ID *int64 `json:"id"`
		} `json:"project"`
		ObjectAttributes struct {
			TargetProjectID *int64 `json:"target_project_id"`
		} `json:"object_attributes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	switch {
	case payload.Project.ID != nil:
		return strconv.FormatInt(*payload.Project.ID, 10), nil
	case payload.ProjectID != nil:
		return strconv.FormatInt(*payload.ProjectID, 10), nil
	case payload.ObjectAttributes.TargetProjectID != nil:
		return strconv.FormatInt(*payload.ObjectAttributes.TargetProjectID, 10), nil
	}
	return "", errors.New("no project identifier in payload")
}

func normalizeEventType(header string, body []byte) string {
	switch header {
	case "Merge Request Hook":
		return models.EventTypeMergeRequest
	case "Push Hook":
		return models.EventTypePush
	case "Tag Push Hook":
		return models.EventTypeTagPush
	case "Note Hook":
		return models.EventTypeNote
	case "Pipeline Hook":
		return models.EventTypePipeline
	}
	var payload struct {
		ObjectKind string `json:"object_kind"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.ObjectKind != "" {
		return payload.ObjectKind
	}
	return strings.ToLower(strings.TrimSpace(header))
}
