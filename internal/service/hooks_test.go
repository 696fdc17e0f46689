package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/reviewrelay/reviewrelay/internal/remote"
)

// hookHost fakes the remote hook registration endpoints.
type hookHost struct {
	mu     sync.Mutex
	nextID int64
	hooks  map[int64]remote.HookSettings
}

func newHookHost() *hookHost {
	return &hookHost{nextID: 1, hooks: make(map[int64]remote.HookSettings)}
}

func (h *hookHost) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects/{id}/hooks", func(w http.ResponseWriter, r *http.Request) {
		var settings remote.HookSettings
		json.NewDecoder(r.Body).Decode(&settings)
		h.mu.Lock()
		id := h.nextID
		h.nextID++
		h.hooks[id] = settings
		h.mu.Unlock()
		writeJSON(w, map[string]any{"id": id, "url": settings.URL})
	})
	mux.HandleFunc("PUT /api/v4/projects/{id}/hooks/{hook}", func(w http.ResponseWriter, r *http.Request) {
		hookID, _ := strconv.ParseInt(r.PathValue("hook"), 10, 64)
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.hooks[hookID]; !ok {
			http.Error(w, `{"message":"404 Not Found"}`, http.StatusNotFound)
			return
		}
		var settings remote.HookSettings
		json.NewDecoder(r.Body).Decode(&settings)
		h.hooks[hookID] = settings
		writeJSON(w, map[string]any{"id": hookID, "url": settings.URL})
	})
	mux.HandleFunc("DELETE /api/v4/projects/{id}/hooks/{hook}", func(w http.ResponseWriter, r *http.Request) {
		hookID, _ := strconv.ParseInt(r.PathValue("hook"), 10, 64)
		h.mu.Lock()
		delete(h.hooks, hookID)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v4/projects/{id}/hooks", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		out := make([]map[string]any, 0, len(h.hooks))
		for id, settings := range h.hooks {
			out = append(out, map[string]any{"id": id, "url": settings.URL})
		}
		writeJSON(w, out)
	})
	return mux
}

func newHookFixture(t *testing.T) (*HookService, *hookHost, int64) {
	t.Helper()
	host := newHookHost()
	srv := httptest.NewServer(host.handler())
	t.Cleanup(srv.Close)

	db := setupTestDB(t)
	cipher := testCipher(t)
	conn := seedPATConnection(t, db, cipher, srv.URL, "glpat-x")
	project := seedTrackedProject(t, db, conn.ID, "42", "")
	svc := NewHookService(db, testGateway(t), newTokenManager(t, db, cipher), "https://relay.example.com", testLogger())
	return svc, host, project.ID
}

func TestEnsureProjectWebhookCreatesAndPersists(t *testing.T) {
	svc, host, projectID := newHookFixture(t)

	project, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("EnsureProjectWebhook: %v", err)
	}
	if project.WebhookID == nil || project.WebhookSecret == "" {
		t.Fatalf("project = %+v, want webhook id and secret persisted", project)
	}

	host.mu.Lock()
	settings, ok := host.hooks[*project.WebhookID]
	host.mu.Unlock()
	if !ok {
		t.Fatal("hook not registered on the host")
	}
	if settings.URL != "https://relay.example.com/webhooks/gitlab" {
		t.Errorf("callback url = %q", settings.URL)
	}
	if settings.Token != project.WebhookSecret {
		t.Error("hook token must match the persisted secret")
	}
	if !settings.MergeRequestsEvents || !settings.PushEvents {
		t.Errorf("hook events = %+v", settings)
	}

	// A second ensure updates in place and keeps the secret stable.
	secret := project.WebhookSecret
	hookID := *project.WebhookID
	again, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("second EnsureProjectWebhook: %v", err)
	}
	if *again.WebhookID != hookID || again.WebhookSecret != secret {
		t.Errorf("re-ensure changed registration: %+v", again)
	}
}

func TestEnsureProjectWebhookRecreatesVanished(t *testing.T) {
	svc, host, projectID := newHookFixture(t)

	project, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("EnsureProjectWebhook: %v", err)
	}

	// Someone deletes the hook on the host behind our back.
	host.mu.Lock()
	delete(host.hooks, *project.WebhookID)
	host.mu.Unlock()

	again, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("re-ensure after host-side delete: %v", err)
	}
	host.mu.Lock()
	_, ok := host.hooks[*again.WebhookID]
	host.mu.Unlock()
	if !ok {
		t.Fatal("vanished hook should be re-created")
	}
}

func TestDeleteProjectWebhookClearsBothSides(t *testing.T) {
	svc, host, projectID := newHookFixture(t)

	project, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("EnsureProjectWebhook: %v", err)
	}
	hookID := *project.WebhookID

	if err := svc.DeleteProjectWebhook(context.Background(), projectID); err != nil {
		t.Fatalf("DeleteProjectWebhook: %v", err)
	}

	host.mu.Lock()
	_, remoteStill := host.hooks[hookID]
	host.mu.Unlock()
	if remoteStill {
		t.Error("remote hook should be deleted")
	}
	cleared, err := svc.db.GetProjectByID(context.Background(), projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if cleared.WebhookID != nil || cleared.WebhookSecret != "" {
		t.Errorf("local registration not cleared: %+v", cleared)
	}
}

func TestTestProjectWebhook(t *testing.T) {
	svc, host, projectID := newHookFixture(t)

	if err := svc.TestProjectWebhook(context.Background(), projectID); err == nil {
		t.Error("test without a registration should fail")
	}

	project, err := svc.EnsureProjectWebhook(context.Background(), projectID)
	if err != nil {
		t.Fatalf("EnsureProjectWebhook: %v", err)
	}
	if err := svc.TestProjectWebhook(context.Background(), projectID); err != nil {
		t.Errorf("TestProjectWebhook: %v", err)
	}

	host.mu.Lock()
	delete(host.hooks, *project.WebhookID)
	host.mu.Unlock()
	if err := svc.TestProjectWebhook(context.Background(), projectID); err == nil {
		t.Error("test after host-side delete should fail")
	}
}
