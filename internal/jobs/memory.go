package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueClosed = errors.New("job queue closed")

// MemoryQueue runs jobs on a fixed pool of in-process workers.
type MemoryQueue struct {
	pool       chan Job
	dispatcher *Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewMemoryQueue(d *Dispatcher, workers int, logger *slog.Logger) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &MemoryQueue{
		pool:       make(chan Job, workers*4),
		dispatcher: d,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *MemoryQueue) worker() {
	defer q.wg.Done()
	for job := range q.pool {
		// failures are logged by the dispatcher
		_ = q.dispatcher.Dispatch(q.ctx, job)
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType Type, payload any) (Handle, error) {
	job, err := newJob(jobType, payload)
	if err != nil {
		return Handle{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Handle{}, ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case q.pool <- job:
		return Handle{ID: job.ID, Type: job.Type}, nil
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pool)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
