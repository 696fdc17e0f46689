package database

import (
	"context"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Connections
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnectionByID(ctx context.Context, id int64) (*models.Connection, error)
	ListConnections(ctx context.Context, userID int64) ([]models.Connection, error)
	UpdateConnectionTokens(ctx context.Context, id int64, tokenCiphertext, refreshCiphertext string, expiresAt *time.Time) error
	SetConnectionStatus(ctx context.Context, id int64, active bool, lastError string) error
	TouchConnectionUsage(ctx context.Context, id int64) error
	DeleteConnection(ctx context.Context, id int64) error

	// Projects
	UpsertProject(ctx context.Context, project *models.Project) error
	GetProjectByID(ctx context.Context, id int64) (*models.Project, error)
	GetProjectByRemoteID(ctx context.Context, remoteID string) (*models.Project, error)
	ListProjectsByConnection(ctx context.Context, connectionID int64) ([]models.Project, error)
	SetProjectWebhook(ctx context.Context, id int64, webhookID *int64, secret string) error
	SetProjectActive(ctx context.Context, id int64, active bool) error
	TouchProjectMembersSyncedAt(ctx context.Context, id int64, at time.Time) error
	TouchProjectBranchesSyncedAt(ctx context.Context, id int64, at time.Time) error

	// Project members (set-reconciliation sync)
	UpsertProjectMember(ctx context.Context, member *models.ProjectMember) error
	ListProjectMembers(ctx context.Context, projectID int64) ([]models.ProjectMember, error)
	DeleteProjectMembersExcept(ctx context.Context, projectID int64, keepRemoteUserIDs []int64) (int64, error)

	// Project branches (set-reconciliation sync)
	UpsertProjectBranch(ctx context.Context, branch *models.ProjectBranch) error
	ListProjectBranches(ctx context.Context, projectID int64) ([]models.ProjectBranch, error)
	DeleteProjectBranchesExcept(ctx context.Context, projectID int64, keepNames []string) (int64, error)

	// Webhook events
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id int64) error
	ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error)

	// Review configs
	GetReviewConfig(ctx context.Context, projectID int64) (*models.ReviewConfig, error)
	UpsertReviewConfig(ctx context.Context, cfg *models.ReviewConfig) error

	// Health
	EventBacklogStats(ctx context.Context) (EventBacklogStats, error)
}
