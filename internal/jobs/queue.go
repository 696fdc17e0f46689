// Package jobs runs the asynchronous half of webhook handling: an
// in-process event queue, a worker pool that turns admitted webhook
// events into analysis tasks, and a cron-driven redelivery scheduler
// that re-enqueues events a crash left unprocessed.
package jobs

import (
	"context"
	"log/slog"
)

const defaultQueueSize = 256

// Queue buffers webhook event ids between the HTTP receiver and the
// worker pool. Enqueue never blocks the receiving request: when the
// buffer is full the id is dropped and left to the redelivery
// scheduler to pick back up.
type Queue struct {
	ch      chan int64
	logger  *slog.Logger
	metrics *jobMetrics
}

func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:      make(chan int64, size),
		logger:  logger,
		metrics: getDefaultJobMetrics(),
	}
}

// Enqueue offers an event id to the queue. Returns false when the
// buffer is full.
func (q *Queue) Enqueue(eventID int64) bool {
	select {
	case q.ch <- eventID:
		q.metrics.observeEnqueued()
		return true
	default:
		q.logger.Warn("event queue full, deferring to redelivery", "event_id", eventID)
		q.metrics.observeDropped()
		return false
	}
}

// Dequeue blocks until an event id is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (int64, bool) {
	select {
	case id := <-q.ch:
		return id, true
	case <-ctx.Done():
		return 0, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }
