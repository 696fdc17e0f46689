package api

import (
	"log/slog"
	"net/http"

	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/jobs"
	"github.com/reviewrelay/reviewrelay/internal/service"
)

type Server struct {
	db          database.DB
	receiver    *service.WebhookReceiver
	connections *service.ConnectionService
	sync        *service.Synchronizer
	hooks       *service.HookService
	scheduler   *jobs.RedeliveryScheduler
	logger      *slog.Logger
	mux         *http.ServeMux
}

type ServerOptions struct {
	Receiver     *service.WebhookReceiver
	Connections  *service.ConnectionService
	Synchronizer *service.Synchronizer
	Hooks        *service.HookService
	Scheduler    *jobs.RedeliveryScheduler
	Logger       *slog.Logger
}

func NewServer(db database.DB, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:          db,
		receiver:    opts.Receiver,
		connections: opts.Connections,
		sync:        opts.Synchronizer,
		hooks:       opts.Hooks,
		scheduler:   opts.Scheduler,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := requestLoggingMiddleware(s.logger,
		requestMetricsMiddleware(getDefaultHTTPMetrics(),
			requestBodyLimitMiddleware(s.mux)))
	handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Inbound webhooks
	s.mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)

	// Connections
	s.mux.HandleFunc("POST /api/v1/connections", s.handleCreateConnection)
	s.mux.HandleFunc("GET /api/v1/connections", s.handleListConnections)
	s.mux.HandleFunc("GET /api/v1/connections/{id}", s.handleGetConnection)
	s.mux.HandleFunc("DELETE /api/v1/connections/{id}", s.handleDeleteConnection)
	s.mux.HandleFunc("POST /api/v1/connections/{id}/test", s.handleTestConnection)
	s.mux.HandleFunc("GET /api/v1/connections/{id}/compliance", s.handleComplianceReport)

	// Sync and recovery
	s.mux.HandleFunc("POST /api/v1/connections/{id}/sync", s.handleSyncProjects)
	s.mux.HandleFunc("POST /api/v1/connections/{id}/recover", s.handleRecoverConnection)
	s.mux.HandleFunc("POST /api/v1/connections/{id}/projects/{remote_id}/recover", s.handleRecoverProject)
	s.mux.HandleFunc("GET /api/v1/connections/{id}/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /api/v1/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("POST /api/v1/projects/{id}/sync/members", s.handleSyncMembers)
	s.mux.HandleFunc("POST /api/v1/projects/{id}/sync/branches", s.handleSyncBranches)
	s.mux.HandleFunc("GET /api/v1/projects/{id}/members", s.handleListMembers)
	s.mux.HandleFunc("GET /api/v1/projects/{id}/branches", s.handleListBranches)

	// Remote webhook registration
	s.mux.HandleFunc("PUT /api/v1/projects/{id}/webhook", s.handleEnsureWebhook)
	s.mux.HandleFunc("DELETE /api/v1/projects/{id}/webhook", s.handleDeleteWebhook)
	s.mux.HandleFunc("POST /api/v1/projects/{id}/webhook/test", s.handleTestWebhook)

	// Review configuration
	s.mux.HandleFunc("GET /api/v1/projects/{id}/review-config", s.handleGetReviewConfig)
	s.mux.HandleFunc("PUT /api/v1/projects/{id}/review-config", s.handleUpsertReviewConfig)

	// Operations
	s.mux.HandleFunc("POST /api/v1/admin/redeliver", s.handleRedeliverNow)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler(nil))
}
