package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/models"
)

func setupTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "db_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedConnection(t *testing.T, db *SQLiteDB) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		UserID:          1,
		Host:            "https://gitlab.example.com",
		AuthType:        models.AuthTypePAT,
		TokenCiphertext: "ct-1",
		Active:          true,
	}
	if err := db.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func seedProject(t *testing.T, db *SQLiteDB, connectionID int64, remoteID string) *models.Project {
	t.Helper()
	project := &models.Project{
		ConnectionID:  connectionID,
		RemoteID:      remoteID,
		Name:          "group/app-" + remoteID,
		WebURL:        "https://gitlab.example.com/group/app-" + remoteID,
		DefaultBranch: "main",
		Active:        true,
	}
	if err := db.UpsertProject(context.Background(), project); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	return project
}

func TestConnectionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	if conn.ID == 0 {
		t.Fatal("expected assigned connection id")
	}

	got, err := db.GetConnectionByID(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Host != conn.Host || got.TokenCiphertext != "ct-1" || !got.Active {
		t.Fatalf("connection mismatch: %+v", got)
	}

	expiry := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	if err := db.UpdateConnectionTokens(ctx, conn.ID, "ct-2", "rt-2", &expiry); err != nil {
		t.Fatalf("update tokens: %v", err)
	}
	got, err = db.GetConnectionByID(ctx, conn.ID)
	if err != nil {
		t.Fatalf("reload connection: %v", err)
	}
	if got.TokenCiphertext != "ct-2" || got.RefreshTokenCiphertext != "rt-2" {
		t.Fatalf("token rotation not persisted: %+v", got)
	}
	if got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(expiry) {
		t.Fatalf("expiry not persisted: %v, want %v", got.TokenExpiresAt, expiry)
	}
	if got.LastRefreshAt == nil {
		t.Fatal("last refresh timestamp should be stamped on rotation")
	}

	if err := db.SetConnectionStatus(ctx, conn.ID, false, "401 unauthorized"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := db.TouchConnectionUsage(ctx, conn.ID); err != nil {
		t.Fatalf("touch usage: %v", err)
	}
	got, _ = db.GetConnectionByID(ctx, conn.ID)
	if got.Active || got.LastError != "401 unauthorized" || got.UsageCount != 1 {
		t.Fatalf("status/usage mismatch: %+v", got)
	}

	if err := db.DeleteConnection(ctx, conn.ID); err != nil {
		t.Fatalf("delete connection: %v", err)
	}
	if _, err := db.GetConnectionByID(ctx, conn.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestListConnectionsScopedToUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedConnection(t, db)
	other := &models.Connection{UserID: 2, Host: "https://other.example.com", AuthType: models.AuthTypePAT, TokenCiphertext: "ct", Active: true}
	if err := db.CreateConnection(ctx, other); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	conns, err := db.ListConnections(ctx, 1)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(conns) != 1 || conns[0].UserID != 1 {
		t.Fatalf("expected only user 1's connections, got %+v", conns)
	}
}

func TestUpsertProjectPreservesWebhookRegistration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	hookID := int64(9001)
	if err := db.SetProjectWebhook(ctx, project.ID, &hookID, "secret-1"); err != nil {
		t.Fatalf("set webhook: %v", err)
	}

	// A later sync round upserts the same remote project with fresh
	// metadata. The registration columns must survive the conflict.
	again := &models.Project{
		ConnectionID:  conn.ID,
		RemoteID:      "42",
		Name:          "group/app-renamed",
		WebURL:        "https://gitlab.example.com/group/app-renamed",
		DefaultBranch: "trunk",
		Active:        true,
	}
	if err := db.UpsertProject(ctx, again); err != nil {
		t.Fatalf("re-upsert project: %v", err)
	}
	if again.ID != project.ID {
		t.Fatalf("upsert created a new row: %d != %d", again.ID, project.ID)
	}

	got, err := db.GetProjectByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "group/app-renamed" || got.DefaultBranch != "trunk" {
		t.Fatalf("metadata not updated: %+v", got)
	}
	if got.WebhookID == nil || *got.WebhookID != hookID || got.WebhookSecret != "secret-1" {
		t.Fatalf("webhook registration clobbered: %+v", got)
	}
}

func TestDeleteProjectMembersExcept(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	for _, id := range []int64{10, 11, 12} {
		member := &models.ProjectMember{ProjectID: project.ID, RemoteUserID: id, Username: "user", AccessLevel: 30}
		if err := db.UpsertProjectMember(ctx, member); err != nil {
			t.Fatalf("upsert member: %v", err)
		}
	}

	deleted, err := db.DeleteProjectMembersExcept(ctx, project.ID, []int64{10, 12})
	if err != nil {
		t.Fatalf("delete except: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	members, _ := db.ListProjectMembers(ctx, project.ID)
	if len(members) != 2 {
		t.Fatalf("expected 2 surviving members, got %d", len(members))
	}

	// Empty keep-set clears the whole membership.
	deleted, err = db.DeleteProjectMembersExcept(ctx, project.ID, nil)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
}

func TestDeleteProjectBranchesExcept(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")
	other := seedProject(t, db, conn.ID, "43")

	for _, name := range []string{"main", "develop", "stale"} {
		branch := &models.ProjectBranch{ProjectID: project.ID, Name: name, CommitSHA: "abc"}
		if err := db.UpsertProjectBranch(ctx, branch); err != nil {
			t.Fatalf("upsert branch: %v", err)
		}
	}
	if err := db.UpsertProjectBranch(ctx, &models.ProjectBranch{ProjectID: other.ID, Name: "stale", CommitSHA: "def"}); err != nil {
		t.Fatalf("upsert branch: %v", err)
	}

	deleted, err := db.DeleteProjectBranchesExcept(ctx, project.ID, []string{"main", "develop"})
	if err != nil {
		t.Fatalf("delete except: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	// Reconciliation is scoped per project.
	otherBranches, _ := db.ListProjectBranches(ctx, other.ID)
	if len(otherBranches) != 1 {
		t.Fatalf("sibling project branches must be untouched, got %d", len(otherBranches))
	}
}

func TestWebhookEventRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	payload := []byte(`{"object_kind":"merge_request","detail":"` + string(bytes.Repeat([]byte("x"), 4096)) + `"}`)
	event := &models.WebhookEvent{ProjectID: project.ID, EventType: models.EventTypeMergeRequest, Payload: payload}
	if err := db.CreateWebhookEvent(ctx, event); err != nil {
		t.Fatalf("create event: %v", err)
	}

	got, err := db.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload did not survive the round trip")
	}
	if got.Processed {
		t.Fatal("new event must start unprocessed")
	}

	if err := db.MarkWebhookEventProcessed(ctx, event.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	got, _ = db.GetWebhookEvent(ctx, event.ID)
	if !got.Processed {
		t.Fatal("processed flag not persisted")
	}
}

func TestListUnprocessedWebhookEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	var ids []int64
	for i := 0; i < 3; i++ {
		event := &models.WebhookEvent{ProjectID: project.ID, EventType: models.EventTypePush, Payload: []byte(`{}`)}
		if err := db.CreateWebhookEvent(ctx, event); err != nil {
			t.Fatalf("create event: %v", err)
		}
		ids = append(ids, event.ID)
	}
	if err := db.MarkWebhookEventProcessed(ctx, ids[1]); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	// Events were created just now, so they age past this cutoff.
	cutoff := time.Now().UTC().Add(time.Minute)
	events, err := db.ListUnprocessedWebhookEvents(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 unprocessed events, got %d", len(events))
	}
	if events[0].ID != ids[0] || events[1].ID != ids[2] {
		t.Fatalf("expected oldest-first order %v, got [%d %d]", ids, events[0].ID, events[1].ID)
	}

	limited, err := db.ListUnprocessedWebhookEvents(ctx, cutoff, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[0] {
		t.Fatalf("limit should return the oldest event only, got %+v", limited)
	}

	none, err := db.ListUnprocessedWebhookEvents(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list before cutoff: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("fresh events must not appear before the cutoff, got %d", len(none))
	}
}

func TestReviewConfigRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	if _, err := db.GetReviewConfig(ctx, project.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing config, got %v", err)
	}

	cfg := &models.ReviewConfig{
		ProjectID:        project.ID,
		AutoReview:       true,
		TriggerLabelsCSV: "security,needs-review",
		MinChangedLines:  10,
	}
	if err := db.UpsertReviewConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	got, err := db.GetReviewConfig(ctx, project.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !got.AutoReview || got.MinChangedLines != 10 {
		t.Fatalf("config mismatch: %+v", got)
	}
	if len(got.TriggerLabels) != 2 || got.TriggerLabels[0] != "security" {
		t.Fatalf("labels not split from storage: %v", got.TriggerLabels)
	}

	cfg.AutoReview = false
	cfg.TriggerLabelsCSV = "hotfix"
	if err := db.UpsertReviewConfig(ctx, cfg); err != nil {
		t.Fatalf("update config: %v", err)
	}
	got, _ = db.GetReviewConfig(ctx, project.ID)
	if got.AutoReview || len(got.TriggerLabels) != 1 || got.TriggerLabels[0] != "hotfix" {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestEventBacklogStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := seedConnection(t, db)
	project := seedProject(t, db, conn.ID, "42")

	stats, err := db.EventBacklogStats(ctx)
	if err != nil {
		t.Fatalf("stats on empty db: %v", err)
	}
	if stats.Unprocessed != 0 || stats.Processed != 0 || stats.OldestPending != nil {
		t.Fatalf("expected empty stats, got %+v", stats)
	}

	first := &models.WebhookEvent{ProjectID: project.ID, EventType: models.EventTypePush, Payload: []byte(`{}`)}
	second := &models.WebhookEvent{ProjectID: project.ID, EventType: models.EventTypePush, Payload: []byte(`{}`)}
	if err := db.CreateWebhookEvent(ctx, first); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := db.CreateWebhookEvent(ctx, second); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := db.MarkWebhookEventProcessed(ctx, second.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	stats, err = db.EventBacklogStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Unprocessed != 1 || stats.Processed != 1 {
		t.Fatalf("backlog counts mismatch: %+v", stats)
	}
	if stats.OldestPending == nil {
		t.Fatal("expected oldest pending timestamp")
	}
}
