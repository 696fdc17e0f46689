package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/reviewrelay/reviewrelay/internal/analysis"
	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

// Processor turns persisted webhook events into analysis tasks. Every
// event is marked processed on exit regardless of outcome so a bad
// payload or an unreachable host never wedges the queue.
type Processor struct {
	db      database.DB
	gateway *remote.Gateway
	tokens  *tokens.Manager
	sink    analysis.Sink
	logger  *slog.Logger
	metrics *jobMetrics
}

func NewProcessor(db database.DB, gateway *remote.Gateway, tokens *tokens.Manager, sink analysis.Sink, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		db:      db,
		gateway: gateway,
		tokens:  tokens,
		sink:    sink,
		logger:  logger,
		metrics: getDefaultJobMetrics(),
	}
}

type mergeRequestEvent struct {
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int64  `json:"iid"`
		Title        string `json:"title"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		State        string `json:"state"`
		Action       string `json:"action"`
		URL          string `json:"url"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
}

type pushEvent struct {
	Ref          string `json:"ref"`
	After        string `json:"after"`
	UserUsername string `json:"user_username"`
	Project      struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// ProcessEvent loads the event and runs the type-specific handler.
// The event is always marked processed, including on handler failure;
// handler errors are returned only so the worker can log them.
func (p *Processor) ProcessEvent(ctx context.Context, eventID int64) error {
	event, err := p.db.GetWebhookEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("webhook event vanished before processing", "event_id", eventID)
			return nil
		}
		return fmt.Errorf("load webhook event %d: %w", eventID, err)
	}
	if event.Processed {
		return nil
	}

	defer func() {
		if err := p.db.MarkWebhookEventProcessed(context.WithoutCancel(ctx), event.ID); err != nil {
			p.logger.Error("mark webhook event processed failed", "event_id", event.ID, "error", err)
		}
	}()

	var handlerErr error
	switch event.EventType {
	case models.EventTypeMergeRequest:
		handlerErr = p.processMergeRequest(ctx, event)
	case models.EventTypePush:
		handlerErr = p.processPush(ctx, event)
	default:
		p.metrics.observeProcessed(event.EventType, "ignored")
		return nil
	}
	if handlerErr != nil {
		p.metrics.observeProcessed(event.EventType, "error")
		p.logger.Error("webhook event processing failed",
			"event_id", event.ID, "event_type", event.EventType, "error", handlerErr)
		return handlerErr
	}
	return nil
}

func (p *Processor) processMergeRequest(ctx context.Context, event *models.WebhookEvent) error {
	var payload mergeRequestEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode merge request payload: %w", err)
	}

	project, err := p.db.GetProjectByID(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", event.ProjectID, err)
	}

	cfg, err := p.db.GetReviewConfig(ctx, project.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load review config: %w", err)
		}
		cfg = &models.ReviewConfig{ProjectID: project.ID}
	}

	labels := make([]string, 0, len(payload.Labels))
	for _, l := range payload.Labels {
		labels = append(labels, l.Title)
	}

	triggered := cfg.AutoReview || cfg.MatchesLabel(labels)

	// Enrichment is best effort: the remote detail refines the decision
	// and the task, but the payload alone is enough to dispatch.
	var detail *remote.MergeRequest
	if !triggered && cfg.MinChangedLines > 0 {
		detail = p.fetchMergeRequest(ctx, project, payload.ObjectAttributes.IID)
		if detail != nil && parseChangesCount(detail.ChangesCount) >= cfg.MinChangedLines {
			triggered = true
		}
	}
	if !triggered {
		p.metrics.observeProcessed(event.EventType, "skipped")
		p.logger.Debug("merge request event below trigger policy",
			"project_id", project.ID, "merge_request_iid", payload.ObjectAttributes.IID)
		return nil
	}
	if detail == nil {
		detail = p.fetchMergeRequest(ctx, project, payload.ObjectAttributes.IID)
	}

	task := analysis.Task{
		ProjectID:       project.ID,
		ProjectName:     project.Name,
		MergeRequestIID: payload.ObjectAttributes.IID,
		Title:           payload.ObjectAttributes.Title,
		SourceBranch:    payload.ObjectAttributes.SourceBranch,
		TargetBranch:    payload.ObjectAttributes.TargetBranch,
		CommitSHA:       payload.ObjectAttributes.LastCommit.ID,
		AuthorUsername:  payload.User.Username,
		WebURL:          payload.ObjectAttributes.URL,
	}
	if id, err := strconv.ParseInt(project.RemoteID, 10, 64); err == nil {
		task.RemoteProjectID = id
	}
	if detail != nil {
		if detail.Title != "" {
			task.Title = detail.Title
		}
		if detail.SHA != "" {
			task.CommitSHA = detail.SHA
		}
		if detail.WebURL != "" {
			task.WebURL = detail.WebURL
		}
		if detail.Author.Username != "" {
			task.AuthorUsername = detail.Author.Username
		}
		task.ChangedFiles = parseChangesCount(detail.ChangesCount)
	}

	if err := p.sink.DispatchAnalysisTask(ctx, task); err != nil {
		return fmt.Errorf("dispatch analysis task: %w", err)
	}
	p.metrics.observeProcessed(event.EventType, "dispatched")
	return nil
}

func (p *Processor) processPush(ctx context.Context, event *models.WebhookEvent) error {
	var payload pushEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}

	changedFiles := 0
	for _, c := range payload.Commits {
		changedFiles += len(c.Added) + len(c.Modified) + len(c.Removed)
	}

	cfg, err := p.db.GetReviewConfig(ctx, event.ProjectID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load review config: %w", err)
		}
		cfg = &models.ReviewConfig{ProjectID: event.ProjectID}
	}

	triggered := cfg.AutoReview || (cfg.MinChangedLines > 0 && changedFiles >= cfg.MinChangedLines)
	if !triggered {
		p.metrics.observeProcessed(event.EventType, "skipped")
		return nil
	}

	// Branch-level analysis is not dispatched from pushes yet; record the
	// match so the signal is visible while that lands.
	p.metrics.observeProcessed(event.EventType, "matched")
	p.logger.Info("push event matched trigger policy",
		"project_id", event.ProjectID,
		"ref", payload.Ref,
		"after", payload.After,
		"changed_files", changedFiles,
		"user", payload.UserUsername)
	return nil
}

// fetchMergeRequest pulls fresh detail from the remote host. Any
// failure degrades to payload-only processing.
func (p *Processor) fetchMergeRequest(ctx context.Context, project *models.Project, iid int64) *remote.MergeRequest {
	if p.gateway == nil || p.tokens == nil || iid == 0 {
		return nil
	}
	client, err := p.clientForProject(ctx, project)
	if err != nil {
		p.logger.Warn("enrichment client unavailable", "project_id", project.ID, "error", err)
		return nil
	}
	detail, err := client.GetMergeRequest(ctx, project.RemoteID, iid)
	if err != nil {
		p.logger.Warn("merge request enrichment failed",
			"project_id", project.ID, "merge_request_iid", iid, "error", err)
		return nil
	}
	return detail
}

func (p *Processor) clientForProject(ctx context.Context, project *models.Project) (*remote.Client, error) {
	conn, err := p.db.GetConnectionByID(ctx, project.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", project.ConnectionID, err)
	}
	token, err := p.tokens.MaybeRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	return p.gateway.Client(remote.ClientConfig{
		Host:     conn.Host,
		AuthType: conn.AuthType,
		Token:    token,
		Refresh:  p.tokens.RefresherFor(conn),
	}), nil
}

func parseChangesCount(raw string) int {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "+")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
