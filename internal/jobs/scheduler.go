package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reviewrelay/reviewrelay/internal/database"
)

const (
	defaultRedeliverySpec  = "@every 1m"
	defaultRedeliveryGrace = 5 * time.Second
	defaultRedeliveryBatch = 50
)

// RedeliveryScheduler sweeps unprocessed webhook events back onto the
// queue. The grace window keeps it from racing an enqueue that is
// happening right now; anything older than that was dropped by a full
// queue or lost to a crash.
type RedeliveryScheduler struct {
	db      database.DB
	queue   *Queue
	logger  *slog.Logger
	metrics *jobMetrics

	spec  string
	grace time.Duration
	batch int

	cron    *cron.Cron
	entryID cron.EntryID
}

type SchedulerOptions struct {
	// Spec is a cron expression; defaults to every minute.
	Spec  string
	Grace time.Duration
	Batch int

	Logger *slog.Logger
}

func NewRedeliveryScheduler(db database.DB, queue *Queue, opts SchedulerOptions) *RedeliveryScheduler {
	spec := opts.Spec
	if spec == "" {
		spec = defaultRedeliverySpec
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultRedeliveryGrace
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = defaultRedeliveryBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedeliveryScheduler{
		db:      db,
		queue:   queue,
		logger:  logger,
		metrics: getDefaultJobMetrics(),
		spec:    spec,
		grace:   grace,
		batch:   batch,
	}
}

func (s *RedeliveryScheduler) Start() error {
	c := cron.New()
	id, err := c.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron = c
	s.entryID = id
	c.Start()
	s.logger.Info("redelivery scheduler started", "spec", s.spec, "grace", s.grace, "batch", s.batch)
	return nil
}

func (s *RedeliveryScheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep re-enqueues one batch of stale unprocessed events, oldest
// first. Exported so the admin surface and tests can run it directly.
func (s *RedeliveryScheduler) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.grace)
	events, err := s.db.ListUnprocessedWebhookEvents(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Error("redelivery sweep query failed", "error", err)
		return 0
	}
	redelivered := 0
	for _, ev := range events {
		if s.queue.Enqueue(ev.ID) {
			redelivered++
		}
	}
	if redelivered > 0 {
		s.logger.Info("re-enqueued unprocessed webhook events", "count", redelivered)
	}
	s.metrics.observeRedelivered(redelivered)
	return redelivered
}
