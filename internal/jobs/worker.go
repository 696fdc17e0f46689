package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const defaultWorkerCount = 2

// WorkerPool drains the event queue and runs the Processor on each id.
type WorkerPool struct {
	queue   *Queue
	process func(ctx context.Context, eventID int64) error
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type WorkerPoolOptions struct {
	Workers int
	Logger  *slog.Logger
}

func NewWorkerPool(queue *Queue, processor *Processor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var process func(ctx context.Context, eventID int64) error
	if processor != nil {
		process = processor.ProcessEvent
	}
	return &WorkerPool{
		queue:   queue,
		process: process,
		workers: workers,
		logger:  logger,
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	for {
		eventID, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		// The processor marks the event processed itself; the error is
		// informational only so the worker never stalls on a bad event.
		if err := w.process(ctx, eventID); err != nil {
			w.logger.Warn("event worker processing failed",
				"worker_id", workerID, "event_id", eventID, "error", err)
		}
	}
}
