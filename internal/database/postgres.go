package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	host TEXT NOT NULL,
	auth_type TEXT NOT NULL DEFAULT 'pat',
	token_ciphertext TEXT NOT NULL,
	refresh_token_ciphertext TEXT NOT NULL DEFAULT '',
	oauth_client_id TEXT NOT NULL DEFAULT '',
	oauth_client_secret TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	last_refresh_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	usage_count BIGINT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	remote_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	web_url TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	webhook_id BIGINT,
	webhook_secret TEXT NOT NULL DEFAULT '',
	members_synced_at TIMESTAMPTZ,
	branches_synced_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	remote_user_id BIGINT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	access_level INT NOT NULL DEFAULT 0,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (project_id, remote_user_id)
);

CREATE TABLE IF NOT EXISTS project_branches (
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	protected BOOLEAN NOT NULL DEFAULT FALSE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (project_id, name)
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS review_configs (
	project_id BIGINT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
	auto_review BOOLEAN NOT NULL DEFAULT FALSE,
	trigger_labels_csv TEXT NOT NULL DEFAULT '',
	min_changed_lines INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id);
CREATE INDEX IF NOT EXISTS idx_projects_connection ON projects(connection_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_pending ON webhook_events(processed, created_at);
`

// Connections

func (p *PostgresDB) CreateConnection(ctx context.Context, conn *models.Connection) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO connections (
			 user_id, host, auth_type, token_ciphertext, refresh_token_ciphertext,
			 oauth_client_id, oauth_client_secret, token_expires_at, active
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		conn.UserID, conn.Host, conn.AuthType, conn.TokenCiphertext, conn.RefreshTokenCiphertext,
		conn.OAuthClientID, conn.OAuthClientSecret, nullTime(conn.TokenExpiresAt), conn.Active,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
}

const pgConnectionSelect = `SELECT id, user_id, host, auth_type, token_ciphertext, refresh_token_ciphertext,
	 oauth_client_id, oauth_client_secret, token_expires_at, last_refresh_at,
	 active, usage_count, last_error, created_at, updated_at
 FROM connections`

func (p *PostgresDB) GetConnectionByID(ctx context.Context, id int64) (*models.Connection, error) {
	return scanConnection(p.db.QueryRowContext(ctx, pgConnectionSelect+` WHERE id = $1`, id))
}

func (p *PostgresDB) ListConnections(ctx context.Context, userID int64) ([]models.Connection, error) {
	rows, err := p.db.QueryContext(ctx, pgConnectionSelect+` WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (p *PostgresDB) UpdateConnectionTokens(ctx context.Context, id int64, tokenCiphertext, refreshCiphertext string, expiresAt *time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET token_ciphertext = $1,
			 refresh_token_ciphertext = $2,
			 token_expires_at = $3,
			 last_refresh_at = NOW(),
			 updated_at = NOW()
		 WHERE id = $4`,
		tokenCiphertext, refreshCiphertext, nullTime(expiresAt), id)
	return err
}

func (p *PostgresDB) SetConnectionStatus(ctx context.Context, id int64, active bool, lastError string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections SET active = $1, last_error = $2, updated_at = NOW() WHERE id = $3`,
		active, strings.TrimSpace(lastError), id)
	return err
}

func (p *PostgresDB) TouchConnectionUsage(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) DeleteConnection(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	return err
}

// Projects

const pgProjectSelect = `SELECT id, connection_id, remote_id, name, web_url, default_branch, active,
	 webhook_id, webhook_secret, members_synced_at, branches_synced_at, created_at, updated_at
 FROM projects`

func (p *PostgresDB) UpsertProject(ctx context.Context, project *models.Project) error {
	if strings.TrimSpace(project.RemoteID) == "" {
		return fmt.Errorf("remote id is required")
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO projects (connection_id, remote_id, name, web_url, default_branch, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(remote_id) DO UPDATE SET
			 name = excluded.name,
			 web_url = excluded.web_url,
			 default_branch = excluded.default_branch,
			 active = excluded.active,
			 updated_at = NOW()`,
		project.ConnectionID, project.RemoteID, project.Name, project.WebURL, project.DefaultBranch, project.Active)
	if err != nil {
		return err
	}
	loaded, err := p.GetProjectByRemoteID(ctx, project.RemoteID)
	if err != nil {
		return err
	}
	*project = *loaded
	return nil
}

func (p *PostgresDB) GetProjectByID(ctx context.Context, id int64) (*models.Project, error) {
	return scanProject(p.db.QueryRowContext(ctx, pgProjectSelect+` WHERE id = $1`, id))
}

func (p *PostgresDB) GetProjectByRemoteID(ctx context.Context, remoteID string) (*models.Project, error) {
	return scanProject(p.db.QueryRowContext(ctx, pgProjectSelect+` WHERE remote_id = $1`, remoteID))
}

func (p *PostgresDB) ListProjectsByConnection(ctx context.Context, connectionID int64) ([]models.Project, error) {
	rows, err := p.db.QueryContext(ctx, pgProjectSelect+` WHERE connection_id = $1 ORDER BY id ASC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjects(rows)
}

func (p *PostgresDB) SetProjectWebhook(ctx context.Context, id int64, webhookID *int64, secret string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE projects SET webhook_id = $1, webhook_secret = $2, updated_at = NOW() WHERE id = $3`,
		nullInt64(webhookID), secret, id)
	return err
}

func (p *PostgresDB) SetProjectActive(ctx context.Context, id int64, active bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE projects SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	return err
}

func (p *PostgresDB) TouchProjectMembersSyncedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE projects SET members_synced_at = $1, updated_at = NOW() WHERE id = $2`, at.UTC(), id)
	return err
}

func (p *PostgresDB) TouchProjectBranchesSyncedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE projects SET branches_synced_at = $1, updated_at = NOW() WHERE id = $2`, at.UTC(), id)
	return err
}

// Project members

func (p *PostgresDB) UpsertProjectMember(ctx context.Context, member *models.ProjectMember) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO project_members (project_id, remote_user_id, username, name, access_level, synced_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT(project_id, remote_user_id) DO UPDATE SET
			 username = excluded.username,
			 name = excluded.name,
			 access_level = excluded.access_level,
			 synced_at = NOW()`,
		member.ProjectID, member.RemoteUserID, member.Username, member.Name, member.AccessLevel)
	return err
}

func (p *PostgresDB) ListProjectMembers(ctx context.Context, projectID int64) ([]models.ProjectMember, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT project_id, remote_user_id, username, name, access_level, synced_at
		 FROM project_members WHERE project_id = $1 ORDER BY remote_user_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]models.ProjectMember, 0)
	for rows.Next() {
		var m models.ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.RemoteUserID, &m.Username, &m.Name, &m.AccessLevel, &m.SyncedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *PostgresDB) DeleteProjectMembersExcept(ctx context.Context, projectID int64, keepRemoteUserIDs []int64) (int64, error) {
	if len(keepRemoteUserIDs) == 0 {
		res, err := p.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1`, projectID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := make([]string, len(keepRemoteUserIDs))
	args := make([]any, 0, len(keepRemoteUserIDs)+1)
	args = append(args, projectID)
	for i, id := range keepRemoteUserIDs {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, id)
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM project_members WHERE project_id = $1 AND remote_user_id NOT IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Project branches

func (p *PostgresDB) UpsertProjectBranch(ctx context.Context, branch *models.ProjectBranch) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO project_branches (project_id, name, commit_sha, protected, is_default, synced_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT(project_id, name) DO UPDATE SET
			 commit_sha = excluded.commit_sha,
			 protected = excluded.protected,
			 is_default = excluded.is_default,
			 synced_at = NOW()`,
		branch.ProjectID, branch.Name, branch.CommitSHA, branch.Protected, branch.IsDefault)
	return err
}

func (p *PostgresDB) ListProjectBranches(ctx context.Context, projectID int64) ([]models.ProjectBranch, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT project_id, name, commit_sha, protected, is_default, synced_at
		 FROM project_branches WHERE project_id = $1 ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]models.ProjectBranch, 0)
	for rows.Next() {
		var b models.ProjectBranch
		if err := rows.Scan(&b.ProjectID, &b.Name, &b.CommitSHA, &b.Protected, &b.IsDefault, &b.SyncedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (p *PostgresDB) DeleteProjectBranchesExcept(ctx context.Context, projectID int64, keepNames []string) (int64, error) {
	if len(keepNames) == 0 {
		res, err := p.db.ExecContext(ctx, `DELETE FROM project_branches WHERE project_id = $1`, projectID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := make([]string, len(keepNames))
	args := make([]any, 0, len(keepNames)+1)
	args = append(args, projectID)
	for i, name := range keepNames {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, name)
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM project_branches WHERE project_id = $1 AND name NOT IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Webhook events

func (p *PostgresDB) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (project_id, event_type, payload, processed)
		 VALUES ($1, $2, $3, FALSE)
		 RETURNING id, created_at`,
		event.ProjectID, event.EventType, compressPayload(event.Payload)).
		Scan(&event.ID, &event.CreatedAt)
}

func (p *PostgresDB) GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var stored []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, project_id, event_type, payload, processed, created_at FROM webhook_events WHERE id = $1`, id).
		Scan(&e.ID, &e.ProjectID, &e.EventType, &stored, &e.Processed, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.Payload, err = decompressPayload(stored); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresDB) MarkWebhookEventProcessed(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_events SET processed = TRUE WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, project_id, event_type, payload, processed, created_at
		 FROM webhook_events
		 WHERE processed = FALSE AND created_at < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`,
		olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.WebhookEvent, 0)
	for rows.Next() {
		var e models.WebhookEvent
		var stored []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &stored, &e.Processed, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Payload, err = decompressPayload(stored); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Review configs

func (p *PostgresDB) GetReviewConfig(ctx context.Context, projectID int64) (*models.ReviewConfig, error) {
	var cfg models.ReviewConfig
	err := p.db.QueryRowContext(ctx,
		`SELECT project_id, auto_review, trigger_labels_csv, min_changed_lines, updated_at
		 FROM review_configs WHERE project_id = $1`, projectID).
		Scan(&cfg.ProjectID, &cfg.AutoReview, &cfg.TriggerLabelsCSV, &cfg.MinChangedLines, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.TriggerLabels = splitCSV(cfg.TriggerLabelsCSV)
	return &cfg, nil
}

func (p *PostgresDB) UpsertReviewConfig(ctx context.Context, cfg *models.ReviewConfig) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO review_configs (project_id, auto_review, trigger_labels_csv, min_changed_lines, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT(project_id) DO UPDATE SET
			 auto_review = excluded.auto_review,
			 trigger_labels_csv = excluded.trigger_labels_csv,
			 min_changed_lines = excluded.min_changed_lines,
			 updated_at = NOW()`,
		cfg.ProjectID, cfg.AutoReview, cfg.TriggerLabelsCSV, cfg.MinChangedLines)
	return err
}
