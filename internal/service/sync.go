package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

// Synchronizer mirrors remote projects, members, and branches into the
// local store. Member and branch sync is set reconciliation: rows
// absent from the just-fetched remote set are deleted, not left to rot.
type Synchronizer struct {
	db      database.DB
	gateway *remote.Gateway
	tokens  *tokens.Manager
	logger  *slog.Logger
}

func NewSynchronizer(db database.DB, gateway *remote.Gateway, tokens *tokens.Manager, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{db: db, gateway: gateway, tokens: tokens, logger: logger}
}

func (s *Synchronizer) clientForConnection(ctx context.Context, conn *models.Connection) (*remote.Client, error) {
	token, err := s.tokens.MaybeRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	return s.gateway.Client(remote.ClientConfig{
		Host:     conn.Host,
		AuthType: conn.AuthType,
		Token:    token,
		Refresh:  s.tokens.RefresherFor(conn),
	}), nil
}

func (s *Synchronizer) clientForProject(ctx context.Context, project *models.Project) (*remote.Client, error) {
	conn, err := s.db.GetConnectionByID(ctx, project.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", project.ConnectionID, err)
	}
	return s.clientForConnection(ctx, conn)
}

// SyncProjects lists every remote project the connection's credential
// can see and upserts each locally by remote id.
func (s *Synchronizer) SyncProjects(ctx context.Context, connectionID int64) (*models.SyncReport, error) {
	conn, err := s.db.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", connectionID, err)
	}
	client, err := s.clientForConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	remoteProjects, err := client.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote projects: %w", err)
	}

	report := &models.SyncReport{}
	for _, rp := range remoteProjects {
		project := &models.Project{
			ConnectionID:  conn.ID,
			RemoteID:      strconv.FormatInt(rp.ID, 10),
			Name:          rp.PathWithNamespace,
			WebURL:        rp.WebURL,
			DefaultBranch: rp.DefaultBranch,
			Active:        true,
		}
		if err := s.db.UpsertProject(ctx, project); err != nil {
			s.logger.Error("project upsert failed", "remote_id", rp.ID, "error", err)
			continue
		}
		report.Synced++
	}
	s.logger.Info("project sync complete", "connection_id", conn.ID, "synced", report.Synced)
	return report, nil
}

// SyncProjectMembers reconciles the local member set against the
// remote one and stamps the project's members-synced-at time.
func (s *Synchronizer) SyncProjectMembers(ctx context.Context, projectID int64) (*models.SyncReport, error) {
	project, err := s.db.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %d: %w", projectID, err)
	}
	client, err := s.clientForProject(ctx, project)
	if err != nil {
		return nil, err
	}
	members, err := client.ListProjectMembers(ctx, project.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("list remote members: %w", err)
	}

	report := &models.SyncReport{}
	keep := make([]int64, 0, len(members))
	for _, m := range members {
		if err := s.db.UpsertProjectMember(ctx, &models.ProjectMember{
			ProjectID:    project.ID,
			RemoteUserID: m.ID,
			Username:     m.Username,
			Name:         m.Name,
			AccessLevel:  m.AccessLevel,
		}); err != nil {
			return nil, fmt.Errorf("upsert member %d: %w", m.ID, err)
		}
		keep = append(keep, m.ID)
		report.Synced++
	}
	deleted, err := s.db.DeleteProjectMembersExcept(ctx, project.ID, keep)
	if err != nil {
		return nil, fmt.Errorf("reconcile members: %w", err)
	}
	report.Deleted = int(deleted)
	if err := s.db.TouchProjectMembersSyncedAt(ctx, project.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("stamp members sync: %w", err)
	}
	return report, nil
}

// SyncProjectBranches reconciles the local branch set against the
// remote one and stamps the project's branches-synced-at time.
func (s *Synchronizer) SyncProjectBranches(ctx context.Context, projectID int64) (*models.SyncReport, error) {
	project, err := s.db.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %d: %w", projectID, err)
	}
	client, err := s.clientForProject(ctx, project)
	if err != nil {
		return nil, err
	}
	branches, err := client.ListBranches(ctx, project.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("list remote branches: %w", err)
	}

	report := &models.SyncReport{}
	keep := make([]string, 0, len(branches))
	for _, b := range branches {
		if err := s.db.UpsertProjectBranch(ctx, &models.ProjectBranch{
			ProjectID: project.ID,
			Name:      b.Name,
			CommitSHA: b.Commit.ID,
			Protected: b.Protected,
			IsDefault: b.Default,
		}); err != nil {
			return nil, fmt.Errorf("upsert branch %q: %w", b.Name, err)
		}
		keep = append(keep, b.Name)
		report.Synced++
	}
	deleted, err := s.db.DeleteProjectBranchesExcept(ctx, project.ID, keep)
	if err != nil {
		return nil, fmt.Errorf("reconcile branches: %w", err)
	}
	report.Deleted = int(deleted)
	if err := s.db.TouchProjectBranchesSyncedAt(ctx, project.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("stamp branches sync: %w", err)
	}
	return report, nil
}
