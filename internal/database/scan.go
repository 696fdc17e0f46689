package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows; the column order
// of every connection/project SELECT must match these scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var c models.Connection
	var expiresAt, refreshAt sql.NullTime
	if err := row.Scan(
		&c.ID, &c.UserID, &c.Host, &c.AuthType,
		&c.TokenCiphertext, &c.RefreshTokenCiphertext,
		&c.OAuthClientID, &c.OAuthClientSecret,
		&expiresAt, &refreshAt,
		&c.Active, &c.UsageCount, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.TokenExpiresAt = timePtr(expiresAt)
	c.LastRefreshAt = timePtr(refreshAt)
	return &c, nil
}

func scanConnections(rows *sql.Rows) ([]models.Connection, error) {
	conns := make([]models.Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var webhookID sql.NullInt64
	var membersAt, branchesAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.ConnectionID, &p.RemoteID, &p.Name, &p.WebURL, &p.DefaultBranch, &p.Active,
		&webhookID, &p.WebhookSecret, &membersAt, &branchesAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if webhookID.Valid {
		id := webhookID.Int64
		p.WebhookID = &id
	}
	p.MembersSyncedAt = timePtr(membersAt)
	p.BranchesSyncedAt = timePtr(branchesAt)
	return &p, nil
}

func scanProjects(rows *sql.Rows) ([]models.Project, error) {
	projects := make([]models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func splitCSV(csv string) []string {
	raw := strings.TrimSpace(csv)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
