package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

// HookService manages the webhook registration on the remote host for
// each tracked project: the callback URL, subscribed events, and the
// per-project shared secret.
type HookService struct {
	db          database.DB
	gateway     *remote.Gateway
	tokens      *tokens.Manager
	callbackURL string
	logger      *slog.Logger
}

func NewHookService(db database.DB, gateway *remote.Gateway, tokens *tokens.Manager, callbackURL string, logger *slog.Logger) *HookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookService{
		db:          db,
		gateway:     gateway,
		tokens:      tokens,
		callbackURL: strings.TrimRight(callbackURL, "/"),
		logger:      logger,
	}
}

func (h *HookService) clientForProject(ctx context.Context, project *models.Project) (*remote.Client, error) {
	conn, err := h.db.GetConnectionByID(ctx, project.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", project.ConnectionID, err)
	}
	token, err := h.tokens.MaybeRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	return h.gateway.Client(remote.ClientConfig{
		Host:     conn.Host,
		AuthType: conn.AuthType,
		Token:    token,
		Refresh:  h.tokens.RefresherFor(conn),
	}), nil
}

func (h *HookService) hookSettings(secret string) remote.HookSettings {
	return remote.HookSettings{
		URL:                 h.callbackURL + "/webhooks/gitlab",
		Token:               secret,
		PushEvents:          true,
		MergeRequestsEvents: true,
		NoteEvents:          true,
		EnableSSLVerify:     strings.HasPrefix(h.callbackURL, "https://"),
	}
}

// EnsureProjectWebhook registers or updates the remote webhook for a
// project and persists its id and secret. The secret is minted on
// first registration and kept stable on updates.
func (h *HookService) EnsureProjectWebhook(ctx context.Context, projectID int64) (*models.Project, error) {
	project, err := h.db.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %d: %w", projectID, err)
	}
	client, err := h.clientForProject(ctx, project)
	if err != nil {
		return nil, err
	}

	secret := project.WebhookSecret
	if secret == "" {
		secret = uuid.NewString()
	}
	settings := h.hookSettings(secret)

	var hook *remote.RemoteHook
	if project.WebhookID != nil {
		hook, err = client.UpdateWebhook(ctx, project.RemoteID, *project.WebhookID, settings)
		if remote.IsNotFound(err) {
			// Registration vanished on the host; re-create it.
			hook, err = client.CreateWebhook(ctx, project.RemoteID, settings)
		}
	} else {
		hook, err = client.CreateWebhook(ctx, project.RemoteID, settings)
	}
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}

	if err := h.db.SetProjectWebhook(ctx, project.ID, &hook.ID, secret); err != nil {
		return nil, fmt.Errorf("persist webhook registration: %w", err)
	}
	project.WebhookID = &hook.ID
	project.WebhookSecret = secret
	h.logger.Info("webhook registration ensured", "project_id", project.ID, "hook_id", hook.ID)
	return project, nil
}

// DeleteProjectWebhook removes the remote registration and clears the
// local record. A registration already gone on the host is not an error.
func (h *HookService) DeleteProjectWebhook(ctx context.Context, projectID int64) error {
	project, err := h.db.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	if project.WebhookID != nil {
		client, err := h.clientForProject(ctx, project)
		if err != nil {
			return err
		}
		if err := client.DeleteWebhook(ctx, project.RemoteID, *project.WebhookID); err != nil && !remote.IsNotFound(err) {
			return fmt.Errorf("delete remote webhook: %w", err)
		}
	}
	return h.db.SetProjectWebhook(ctx, project.ID, nil, "")
}

// TestProjectWebhook verifies the persisted registration still exists
// on the host and points at our callback.
func (h *HookService) TestProjectWebhook(ctx context.Context, projectID int64) error {
	project, err := h.db.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	if project.WebhookID == nil {
		return fmt.Errorf("project %d has no webhook registration", projectID)
	}
	client, err := h.clientForProject(ctx, project)
	if err != nil {
		return err
	}
	hooks, err := client.ListWebhooks(ctx, project.RemoteID)
	if err != nil {
		return fmt.Errorf("list remote webhooks: %w", err)
	}
	want := h.callbackURL + "/webhooks/gitlab"
	for _, hook := range hooks {
		if hook.ID == *project.WebhookID {
			if hook.URL != want {
				return fmt.Errorf("webhook %d points at %q, want %q", hook.ID, hook.URL, want)
			}
			return nil
		}
	}
	return fmt.Errorf("webhook %d not found on remote project %s", *project.WebhookID, project.RemoteID)
}
