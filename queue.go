package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackgroundTask is a fire-and-forget unit of work run after a pipeline
// completes (memory extraction, conversation summary).
type BackgroundTask struct {
	ID     string
	Source string
	Work   func(context.Context) error
}

// QueueStats exposes current queue metrics.
type QueueStats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"worker_count"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
}

// BackgroundQueue is a bounded task queue with a fixed worker pool.
// Task failures are logged and counted, never returned to the enqueuer.
type BackgroundQueue struct {
	tasks       chan BackgroundTask
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	processed uint64
	failed    uint64
	dropped   uint64
}

// NewBackgroundQueue creates a queue with the provided capacity, worker count,
// and per-task timeout.
func NewBackgroundQueue(capacity, workerCount int, timeout time.Duration, logger *slog.Logger) *BackgroundQueue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundQueue{
		tasks:       make(chan BackgroundTask, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		logger:      logger,
	}
}

// Start launches the worker pool.
func (q *BackgroundQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues a task without blocking. Returns false if the queue is full,
// not started, or stopped.
func (q *BackgroundQueue) Enqueue(task BackgroundTask) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.started || q.stopped {
		q.logger.Warn("background queue not running, dropping task", "task", task.ID, "source", task.Source)
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		q.logger.Warn("background queue full, dropping task", "task", task.ID, "source", task.Source)
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
}

// Stop stops accepting new tasks and waits for workers to drain until ctx is done.
func (q *BackgroundQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns current queue metrics.
func (q *BackgroundQueue) Stats() QueueStats {
	return QueueStats{
		Length:      len(q.tasks),
		Capacity:    cap(q.tasks),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
		Dropped:     atomic.LoadUint64(&q.dropped),
	}
}

func (q *BackgroundQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.handle(ctx, task)
		}
	}
}

func (q *BackgroundQueue) handle(ctx context.Context, task BackgroundTask) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("background task panic recovered", "task", task.ID, "source", task.Source, "panic", r)
			atomic.AddUint64(&q.failed, 1)
		}
	}()

	taskCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	err = task.Work(taskCtx)

	atomic.AddUint64(&q.processed, 1)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		q.logger.Error("background task failed",
			"task", task.ID,
			"source", task.Source,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	q.logger.Info("background task finished",
		"task", task.ID,
		"source", task.Source,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Healthy returns true if the queue is accepting tasks.
func (q *BackgroundQueue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}
