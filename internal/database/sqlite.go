package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	host TEXT NOT NULL,
	auth_type TEXT NOT NULL DEFAULT 'pat',
	token_ciphertext TEXT NOT NULL,
	refresh_token_ciphertext TEXT NOT NULL DEFAULT '',
	oauth_client_id TEXT NOT NULL DEFAULT '',
	oauth_client_secret TEXT NOT NULL DEFAULT '',
	token_expires_at DATETIME,
	last_refresh_at DATETIME,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	remote_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	web_url TEXT NOT NULL DEFAULT '',
	default_branch TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	webhook_id INTEGER,
	webhook_secret TEXT NOT NULL DEFAULT '',
	members_synced_at DATETIME,
	branches_synced_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	remote_user_id INTEGER NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	access_level INTEGER NOT NULL DEFAULT 0,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, remote_user_id)
);

CREATE TABLE IF NOT EXISTS project_branches (
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	commit_sha TEXT NOT NULL DEFAULT '',
	protected BOOLEAN NOT NULL DEFAULT FALSE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, name)
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS review_configs (
	project_id INTEGER PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
	auto_review BOOLEAN NOT NULL DEFAULT FALSE,
	trigger_labels_csv TEXT NOT NULL DEFAULT '',
	min_changed_lines INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id);
CREATE INDEX IF NOT EXISTS idx_projects_connection ON projects(connection_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_pending ON webhook_events(processed, created_at);
`

// Connections

func (s *SQLiteDB) CreateConnection(ctx context.Context, conn *models.Connection) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (
			 user_id, host, auth_type, token_ciphertext, refresh_token_ciphertext,
			 oauth_client_id, oauth_client_secret, token_expires_at, active
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.UserID, conn.Host, conn.AuthType, conn.TokenCiphertext, conn.RefreshTokenCiphertext,
		conn.OAuthClientID, conn.OAuthClientSecret, sqliteNullTime(conn.TokenExpiresAt), conn.Active,
	)
	if err != nil {
		return err
	}
	conn.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM connections WHERE id = ?`, conn.ID).
		Scan(&conn.CreatedAt, &conn.UpdatedAt)
}

func (s *SQLiteDB) GetConnectionByID(ctx context.Context, id int64) (*models.Connection, error) {
	return scanConnection(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, host, auth_type, token_ciphertext, refresh_token_ciphertext,
			 oauth_client_id, oauth_client_secret, token_expires_at, last_refresh_at,
			 active, usage_count, last_error, created_at, updated_at
		 FROM connections WHERE id = ?`, id))
}

func (s *SQLiteDB) ListConnections(ctx context.Context, userID int64) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, host, auth_type, token_ciphertext, refresh_token_ciphertext,
			 oauth_client_id, oauth_client_secret, token_expires_at, last_refresh_at,
			 active, usage_count, last_error, created_at, updated_at
		 FROM connections WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *SQLiteDB) UpdateConnectionTokens(ctx context.Context, id int64, tokenCiphertext, refreshCiphertext string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET token_ciphertext = ?,
			 refresh_token_ciphertext = ?,
			 token_expires_at = ?,
			 last_refresh_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		tokenCiphertext, refreshCiphertext, sqliteNullTime(expiresAt), id)
	return err
}

func (s *SQLiteDB) SetConnectionStatus(ctx context.Context, id int64, active bool, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET active = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		active, strings.TrimSpace(lastError), id)
	return err
}

func (s *SQLiteDB) TouchConnectionUsage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) DeleteConnection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	return err
}

// Projects

func (s *SQLiteDB) UpsertProject(ctx context.Context, project *models.Project) error {
	if strings.TrimSpace(project.RemoteID) == "" {
		return fmt.Errorf("remote id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (connection_id, remote_id, name, web_url, default_branch, active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(remote_id) DO UPDATE SET
			 name = excluded.name,
			 web_url = excluded.web_url,
			 default_branch = excluded.default_branch,
			 active = excluded.active,
			 updated_at = CURRENT_TIMESTAMP`,
		project.ConnectionID, project.RemoteID, project.Name, project.WebURL, project.DefaultBranch, project.Active)
	if err != nil {
		return err
	}
	loaded, err := s.GetProjectByRemoteID(ctx, project.RemoteID)
	if err != nil {
		return err
	}
	*project = *loaded
	return nil
}

func (s *SQLiteDB) GetProjectByID(ctx context.Context, id int64) (*models.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, projectSelect+` WHERE id = ?`, id))
}

func (s *SQLiteDB) GetProjectByRemoteID(ctx context.Context, remoteID string) (*models.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, projectSelect+` WHERE remote_id = ?`, remoteID))
}

const projectSelect = `SELECT id, connection_id, remote_id, name, web_url, default_branch, active,
	 webhook_id, webhook_secret, members_synced_at, branches_synced_at, created_at, updated_at
 FROM projects`

func (s *SQLiteDB) ListProjectsByConnection(ctx context.Context, connectionID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelect+` WHERE connection_id = ? ORDER BY id ASC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProjects(rows)
}

func (s *SQLiteDB) SetProjectWebhook(ctx context.Context, id int64, webhookID *int64, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET webhook_id = ?, webhook_secret = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullInt64(webhookID), secret, id)
	return err
}

func (s *SQLiteDB) SetProjectActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, active, id)
	return err
}

func (s *SQLiteDB) TouchProjectMembersSyncedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET members_synced_at = datetime(?), updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sqliteTimestamp(at), id)
	return err
}

func (s *SQLiteDB) TouchProjectBranchesSyncedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET branches_synced_at = datetime(?), updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sqliteTimestamp(at), id)
	return err
}

// Project members

func (s *SQLiteDB) UpsertProjectMember(ctx context.Context, member *models.ProjectMember) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_members (project_id, remote_user_id, username, name, access_level, synced_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(project_id, remote_user_id) DO UPDATE SET
			 username = excluded.username,
			 name = excluded.name,
			 access_level = excluded.access_level,
			 synced_at = CURRENT_TIMESTAMP`,
		member.ProjectID, member.RemoteUserID, member.Username, member.Name, member.AccessLevel)
	return err
}

func (s *SQLiteDB) ListProjectMembers(ctx context.Context, projectID int64) ([]models.ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, remote_user_id, username, name, access_level, synced_at
		 FROM project_members WHERE project_id = ? ORDER BY remote_user_id ASC`, projectID)
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

func (s *SQLiteDB) DeleteProjectMembersExcept(ctx context.Context, projectID int64, keepRemoteUserIDs []int64) (int64, error) {
	if len(keepRemoteUserIDs) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ?`, projectID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := make([]string, len(keepRemoteUserIDs))
	args := make([]any, 0, len(keepRemoteUserIDs)+1)
	args = append(args, projectID)
	for i, id := range keepRemoteUserIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_members WHERE project_id = ? AND remote_user_id NOT IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Project branches

func (s *SQLiteDB) UpsertProjectBranch(ctx context.Context, branch *models.ProjectBranch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_branches (project_id, name, commit_sha, protected, is_default, synced_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(project_id, name) DO UPDATE SET
			 commit_sha = excluded.commit_sha,
			 protected = excluded.protected,
			 is_default = excluded.is_default,
			 synced_at = CURRENT_TIMESTAMP`,
		branch.ProjectID, branch.Name, branch.CommitSHA, branch.Protected, branch.IsDefault)
	return err
}

func (s *SQLiteDB) ListProjectBranches(ctx context.Context, projectID int64) ([]models.ProjectBranch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, name, commit_sha, protected, is_default, synced_at
		 FROM project_branches WHERE project_id = ? ORDER BY name ASC`, projectID)
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

func (s *SQLiteDB) DeleteProjectBranchesExcept(ctx context.Context, projectID int64, keepNames []string) (int64, error) {
	if len(keepNames) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM project_branches WHERE project_id = ?`, projectID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	placeholders := make([]string, len(keepNames))
	args := make([]any, 0, len(keepNames)+1)
	args = append(args, projectID)
	for i, name := range keepNames {
		placeholders[i] = "?"
		args = append(args, name)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_branches WHERE project_id = ? AND name NOT IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Webhook events

func (s *SQLiteDB) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (project_id, event_type, payload, processed) VALUES (?, ?, ?, FALSE)`,
		event.ProjectID, event.EventType, compressPayload(event.Payload))
	if err != nil {
		return err
	}
	event.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT created_at FROM webhook_events WHERE id = ?`, event.ID).Scan(&event.CreatedAt)
}

func (s *SQLiteDB) GetWebhookEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var stored []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, event_type, payload, processed, created_at FROM webhook_events WHERE id = ?`, id).
		Scan(&e.ID, &e.ProjectID, &e.EventType, &stored, &e.Processed, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.Payload, err = decompressPayload(stored); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteDB) MarkWebhookEventProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events SET processed = TRUE WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, event_type, payload, processed, created_at
		 FROM webhook_events
		 WHERE processed = FALSE AND datetime(created_at) < datetime(?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		sqliteTimestamp(olderThan), limit)
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

func (s *SQLiteDB) GetReviewConfig(ctx context.Context, projectID int64) (*models.ReviewConfig, error) {
	var cfg models.ReviewConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, auto_review, trigger_labels_csv, min_changed_lines, updated_at
		 FROM review_configs WHERE project_id = ?`, projectID).
		Scan(&cfg.ProjectID, &cfg.AutoReview, &cfg.TriggerLabelsCSV, &cfg.MinChangedLines, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.TriggerLabels = splitCSV(cfg.TriggerLabelsCSV)
	return &cfg, nil
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTimestamp(*t)
}

func (s *SQLiteDB) UpsertReviewConfig(ctx context.Context, cfg *models.ReviewConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_configs (project_id, auto_review, trigger_labels_csv, min_changed_lines, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(project_id) DO UPDATE SET
			 auto_review = excluded.auto_review,
			 trigger_labels_csv = excluded.trigger_labels_csv,
			 min_changed_lines = excluded.min_changed_lines,
			 updated_at = CURRENT_TIMESTAMP`,
		cfg.ProjectID, cfg.AutoReview, cfg.TriggerLabelsCSV, cfg.MinChangedLines)
	return err
}
