package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reviewrelay/reviewrelay/internal/analysis"
	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/models"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/secrets"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

func setupTestDB(t *testing.T) database.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedProject(t *testing.T, db database.DB) *models.Project {
	t.Helper()
	ctx := context.Background()
	conn := &models.Connection{
		UserID:          1,
		Host:            "https://gitlab.example.com",
		AuthType:        models.AuthTypePAT,
		TokenCiphertext: "ciphertext",
		Active:          true,
	}
	if err := db.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	project := &models.Project{
		ConnectionID:  conn.ID,
		RemoteID:      "42",
		Name:          "widgets",
		WebURL:        "https://gitlab.example.com/acme/widgets",
		DefaultBranch: "main",
		Active:        true,
	}
	if err := db.UpsertProject(ctx, project); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	return project
}

func seedEvent(t *testing.T, db database.DB, projectID int64, eventType string, payload any) *models.WebhookEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	event := &models.WebhookEvent{ProjectID: projectID, EventType: eventType, Payload: raw}
	if err := db.CreateWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("create webhook event: %v", err)
	}
	return event
}

func mergeRequestPayload(labels ...string) map[string]any {
	labelObjs := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		labelObjs = append(labelObjs, map[string]any{"title": l})
	}
	return map[string]any{
		"user":    map[string]any{"id": 7, "username": "dev"},
		"project": map[string]any{"id": 42, "name": "widgets"},
		"object_attributes": map[string]any{
			"iid":           5,
			"title":         "Add widget",
			"source_branch": "feature/widget",
			"target_branch": "main",
			"action":        "open",
			"url":           "https://gitlab.example.com/acme/widgets/-/merge_requests/5",
			"last_commit":   map[string]any{"id": "abc123"},
		},
		"labels": labelObjs,
	}
}

type captureSink struct {
	mu    sync.Mutex
	tasks []analysis.Task
}

func (s *captureSink) DispatchAnalysisTask(_ context.Context, task analysis.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *captureSink) all() []analysis.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.Task(nil), s.tasks...)
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestQueueEnqueueNeverBlocks(t *testing.T) {
	q := NewQueue(1, testLogger())
	if !q.Enqueue(1) {
		t.Fatal("first enqueue should succeed")
	}
	if q.Enqueue(2) {
		t.Fatal("second enqueue should report a full queue")
	}
	id, ok := q.Dequeue(context.Background())
	if !ok || id != 1 {
		t.Fatalf("Dequeue = (%d, %v), want (1, true)", id, ok)
	}
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	q := NewQueue(1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("Dequeue on a cancelled context should report not ok")
	}
}

func TestProcessEventDispatchesOnAutoReview(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	if err := db.UpsertReviewConfig(context.Background(), &models.ReviewConfig{
		ProjectID:  project.ID,
		AutoReview: true,
	}); err != nil {
		t.Fatalf("upsert review config: %v", err)
	}
	event := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())

	sink := &captureSink{}
	p := NewProcessor(db, nil, nil, sink, testLogger())
	if err := p.ProcessEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	tasks := sink.all()
	if len(tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.ProjectID != project.ID || task.RemoteProjectID != 42 {
		t.Errorf("task project identity = (%d, %d), want (%d, 42)", task.ProjectID, task.RemoteProjectID, project.ID)
	}
	if task.MergeRequestIID != 5 || task.SourceBranch != "feature/widget" || task.TargetBranch != "main" {
		t.Errorf("task branches = %+v", task)
	}
	if task.CommitSHA != "abc123" || task.AuthorUsername != "dev" {
		t.Errorf("task commit/author = (%q, %q)", task.CommitSHA, task.AuthorUsername)
	}

	stored, err := db.GetWebhookEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed {
		t.Error("event should be marked processed after dispatch")
	}
}

func TestProcessEventDispatchesWhenEnrichmentFails(t *testing.T) {
	db := setupTestDB(t)

	var detailCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&detailCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cipher, err := secrets.NewCipher("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	tokenCT, err := cipher.Encrypt("glpat-x")
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}

	ctx := context.Background()
	conn := &models.Connection{
		UserID:          1,
		Host:            srv.URL,
		AuthType:        models.AuthTypePAT,
		TokenCiphertext: tokenCT,
		Active:          true,
	}
	if err := db.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	project := &models.Project{
		ConnectionID:  conn.ID,
		RemoteID:      "42",
		Name:          "widgets",
		WebURL:        srv.URL + "/acme/widgets",
		DefaultBranch: "main",
		Active:        true,
	}
	if err := db.UpsertProject(ctx, project); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if err := db.UpsertReviewConfig(ctx, &models.ReviewConfig{
		ProjectID:  project.ID,
		AutoReview: true,
	}); err != nil {
		t.Fatalf("upsert review config: %v", err)
	}
	event := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())

	gateway := remote.NewGateway(remote.GatewayOptions{
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		HostRPS:        10000,
		Registerer:     prometheus.NewRegistry(),
		Logger:         testLogger(),
	})
	manager := tokens.NewManager(db, cipher, tokens.ManagerOptions{Logger: testLogger()})

	sink := &captureSink{}
	p := NewProcessor(db, gateway, manager, sink, testLogger())
	if err := p.ProcessEvent(ctx, event.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	if atomic.LoadInt32(&detailCalls) == 0 {
		t.Fatal("expected an enrichment attempt against the host")
	}
	tasks := sink.all()
	if len(tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1 from payload fallback", len(tasks))
	}
	task := tasks[0]
	if task.Title != "Add widget" || task.CommitSHA != "abc123" || task.AuthorUsername != "dev" {
		t.Errorf("task should carry payload fields when enrichment fails: %+v", task)
	}
	if task.ChangedFiles != 0 {
		t.Errorf("changed files = %d, want 0 without detail", task.ChangedFiles)
	}

	stored, err := db.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed {
		t.Error("event should be marked processed despite the enrichment failure")
	}
}

func TestProcessEventLabelTrigger(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	if err := db.UpsertReviewConfig(context.Background(), &models.ReviewConfig{
		ProjectID:        project.ID,
		TriggerLabelsCSV: "needs-review,security",
	}); err != nil {
		t.Fatalf("upsert review config: %v", err)
	}

	sink := &captureSink{}
	p := NewProcessor(db, nil, nil, sink, testLogger())

	matched := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload("Security"))
	if err := p.ProcessEvent(context.Background(), matched.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("label match should dispatch, got %d tasks", len(sink.all()))
	}

	unmatched := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload("docs"))
	if err := p.ProcessEvent(context.Background(), unmatched.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(sink.all()) != 1 {
		t.Fatal("non-matching label should not dispatch")
	}

	stored, err := db.GetWebhookEvent(context.Background(), unmatched.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed {
		t.Error("skipped event must still be marked processed")
	}
}

func TestProcessEventMarksProcessedOnBadPayload(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	event := &models.WebhookEvent{
		ProjectID: project.ID,
		EventType: models.EventTypeMergeRequest,
		Payload:   []byte("not json"),
	}
	if err := db.CreateWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("create webhook event: %v", err)
	}

	p := NewProcessor(db, nil, nil, &captureSink{}, testLogger())
	if err := p.ProcessEvent(context.Background(), event.ID); err == nil {
		t.Error("bad payload should surface an error to the worker log")
	}

	stored, err := db.GetWebhookEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed {
		t.Error("failed event must still be marked processed")
	}
}

func TestProcessEventIgnoresUnknownTypes(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	event := seedEvent(t, db, project.ID, models.EventTypePipeline, map[string]any{"status": "success"})

	sink := &captureSink{}
	p := NewProcessor(db, nil, nil, sink, testLogger())
	if err := p.ProcessEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Error("pipeline events should not dispatch")
	}
	stored, _ := db.GetWebhookEvent(context.Background(), event.ID)
	if !stored.Processed {
		t.Error("ignored event must still be marked processed")
	}
}

func TestProcessPushLogsMatchWithoutDispatch(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	if err := db.UpsertReviewConfig(context.Background(), &models.ReviewConfig{
		ProjectID:  project.ID,
		AutoReview: true,
	}); err != nil {
		t.Fatalf("upsert review config: %v", err)
	}
	event := seedEvent(t, db, project.ID, models.EventTypePush, map[string]any{
		"ref":           "refs/heads/main",
		"after":         "def456",
		"user_username": "dev",
		"project":       map[string]any{"id": 42, "name": "widgets"},
		"commits": []map[string]any{
			{"added": []string{"a.go"}, "modified": []string{"b.go"}, "removed": []string{}},
		},
	})

	sink := &captureSink{}
	p := NewProcessor(db, nil, nil, sink, testLogger())
	if err := p.ProcessEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(sink.all()) != 0 {
		t.Error("push events should not dispatch analysis tasks")
	}
	stored, _ := db.GetWebhookEvent(context.Background(), event.ID)
	if !stored.Processed {
		t.Error("push event must be marked processed")
	}
}

func TestWorkerPoolProcessesEnqueuedEvents(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	if err := db.UpsertReviewConfig(context.Background(), &models.ReviewConfig{
		ProjectID:  project.ID,
		AutoReview: true,
	}); err != nil {
		t.Fatalf("upsert review config: %v", err)
	}
	event := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())

	queue := NewQueue(8, testLogger())
	sink := &captureSink{}
	pool := NewWorkerPool(queue, NewProcessor(db, nil, nil, sink, testLogger()), WorkerPoolOptions{
		Workers: 2,
		Logger:  testLogger(),
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	defer pool.Stop(context.Background())

	queue.Enqueue(event.ID)

	deadline := time.After(3 * time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not process the event in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRedeliverySweepReEnqueuesStaleEvents(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)

	stale := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())
	handled := seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())
	if err := db.MarkWebhookEventProcessed(context.Background(), handled.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	queue := NewQueue(8, testLogger())
	sched := NewRedeliveryScheduler(db, queue, SchedulerOptions{
		Grace:  time.Nanosecond,
		Batch:  50,
		Logger: testLogger(),
	})

	// Let the rows age past the grace cutoff.
	time.Sleep(1100 * time.Millisecond)

	if n := sched.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	id, ok := queue.Dequeue(context.Background())
	if !ok || id != stale.ID {
		t.Fatalf("Dequeue = (%d, %v), want (%d, true)", id, ok, stale.ID)
	}
}

func TestRedeliverySweepRespectsGraceWindow(t *testing.T) {
	db := setupTestDB(t)
	project := seedProject(t, db)
	seedEvent(t, db, project.ID, models.EventTypeMergeRequest, mergeRequestPayload())

	queue := NewQueue(8, testLogger())
	sched := NewRedeliveryScheduler(db, queue, SchedulerOptions{
		Grace:  time.Hour,
		Batch:  50,
		Logger: testLogger(),
	})
	if n := sched.Sweep(context.Background()); n != 0 {
		t.Fatalf("Sweep inside grace window = %d, want 0", n)
	}
}
