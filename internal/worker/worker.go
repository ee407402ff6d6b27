package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ProcessFunc handles one job. The key identifies the job; at most one job per key is queued or running.
type ProcessFunc func(ctx context.Context, key string) error

type WorkerPool struct {
	numWorkers int
	jobs       chan string
	processor  ProcessFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

func NewWorkerPool(numWorkers int, bufferSize int, processor ProcessFunc) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		jobs:       make(chan string, bufferSize),
		processor:  processor,
		pending:    make(map[string]struct{}),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.process(ctx, id, key)
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, id int, key string) {
	defer wp.release(key)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", "worker", id, "key", key, "panic", fmt.Sprint(r))
		}
	}()

	if err := wp.processor(ctx, key); err != nil {
		slog.Error("worker job failed", "worker", id, "key", key, "error", err)
	}
}

// Submit enqueues key without blocking. It returns false when a job with the same key is
// already queued or running, the queue is full, or the pool is stopped.
func (wp *WorkerPool) Submit(key string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return false
	}
	if _, busy := wp.pending[key]; busy {
		return false
	}

	select {
	case wp.jobs <- key:
		wp.pending[key] = struct{}{}
		return true
	default:
		return false
	}
}

// InFlight reports whether key is queued or running.
func (wp *WorkerPool) InFlight(key string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.pending[key]
	return ok
}

func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.pending)
}

func (wp *WorkerPool) release(key string) {
	wp.mu.Lock()
	delete(wp.pending, key)
	wp.mu.Unlock()
}

func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}
