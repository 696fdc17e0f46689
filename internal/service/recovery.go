package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
)

// RecoverConnection re-derives the remote truth for every project
// under the connection and repairs local drift. Read-remote,
// repair-local only; nothing is pushed to the host. Per-project
// failures are counted and logged so the batch always completes.
func (s *Synchronizer) RecoverConnection(ctx context.Context, connectionID int64) (*models.RecoveryReport, error) {
	conn, err := s.db.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", connectionID, err)
	}
	client, err := s.clientForConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	projects, err := s.db.ListProjectsByConnection(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("list local projects: %w", err)
	}

	report := &models.RecoveryReport{}
	for i := range projects {
		if err := s.recoverProject(ctx, client, &projects[i], report); err != nil {
			report.Failed++
			s.logger.Warn("project recovery failed",
				"project_id", projects[i].ID, "remote_id", projects[i].RemoteID, "error", err)
		}
	}
	s.logger.Info("connection recovery complete",
		"connection_id", conn.ID,
		"checked", report.Checked,
		"repaired", report.Repaired,
		"failed", report.Failed)
	return report, nil
}

// RecoverProjectByRemoteID recovers a single project identified by its
// remote id, creating the local row if it is missing entirely.
func (s *Synchronizer) RecoverProjectByRemoteID(ctx context.Context, connectionID int64, remoteID string) (*models.RecoveryReport, error) {
	conn, err := s.db.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", connectionID, err)
	}
	client, err := s.clientForConnection(ctx, conn)
	if err != nil {
		return nil, err
	}

	report := &models.RecoveryReport{}
	project, err := s.db.GetProjectByRemoteID(ctx, remoteID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve project: %w", err)
		}
		// Missing locally: materialize from the remote truth.
		id, convErr := strconv.ParseInt(remoteID, 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("invalid remote id %q: %w", remoteID, convErr)
		}
		rp, fetchErr := client.GetProject(ctx, strconv.FormatInt(id, 10))
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch remote project: %w", fetchErr)
		}
		project = &models.Project{
			ConnectionID:  conn.ID,
			RemoteID:      remoteID,
			Name:          rp.PathWithNamespace,
			WebURL:        rp.WebURL,
			DefaultBranch: rp.DefaultBranch,
			Active:        true,
		}
		if err := s.db.UpsertProject(ctx, project); err != nil {
			return nil, fmt.Errorf("materialize project: %w", err)
		}
		report.Repaired++
	}
	if err := s.recoverProject(ctx, client, project, report); err != nil {
		report.Failed++
		return report, err
	}
	return report, nil
}

func (s *Synchronizer) recoverProject(ctx context.Context, client *remote.Client, project *models.Project, report *models.RecoveryReport) error {
	report.Checked++

	rp, err := client.GetProject(ctx, project.RemoteID)
	if err != nil {
		if remote.IsNotFound(err) {
			// Gone on the host: deactivate rather than delete so history
			// and events stay queryable.
			if err := s.db.SetProjectActive(ctx, project.ID, false); err != nil {
				return fmt.Errorf("deactivate vanished project: %w", err)
			}
			report.Repaired++
			return nil
		}
		return fmt.Errorf("fetch remote project: %w", err)
	}

	if project.Name != rp.PathWithNamespace || project.WebURL != rp.WebURL || project.DefaultBranch != rp.DefaultBranch || !project.Active {
		project.Name = rp.PathWithNamespace
		project.WebURL = rp.WebURL
		project.DefaultBranch = rp.DefaultBranch
		project.Active = true
		if err := s.db.UpsertProject(ctx, project); err != nil {
			return fmt.Errorf("repair project row: %w", err)
		}
		report.Repaired++
	}

	memberReport, err := s.SyncProjectMembers(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("member re-sync: %w", err)
	}
	report.MembersSynced += memberReport.Synced

	branchReport, err := s.SyncProjectBranches(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("branch re-sync: %w", err)
	}
	report.BranchesSynced += branchReport.Synced
	return nil
}
