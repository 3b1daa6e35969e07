package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when the dispatch queue cannot accept more work.
var ErrQueueFull = errors.New("pipeline: queue full")

// ErrQueueClosed is returned when enqueueing after shutdown.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// BatchQueue is the in-process dispatch queue between the upload surface and
// the orchestrator. Entries are batch ids; fan-out per stage happens inside
// batch processing.
type BatchQueue struct {
	jobs   chan string
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewBatchQueue(size int) *BatchQueue {
	if size <= 0 {
		size = 64
	}
	return &BatchQueue{
		jobs:   make(chan string, size),
		closed: make(chan struct{}),
		logger: slog.Default().With("component", "batch-queue"),
	}
}

// Enqueue adds a batch for processing without blocking.
func (q *BatchQueue) Enqueue(batchID string) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- batchID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes batches until the context is cancelled, processing each in its
// own goroutine so a long-running batch does not block the queue.
func (q *BatchQueue) Run(ctx context.Context, process func(context.Context, string)) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			q.Close()
			wg.Wait()
			return
		case batchID := <-q.jobs:
			q.logger.InfoContext(ctx, "batch dequeued", "batch", batchID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				process(ctx, batchID)
			}()
		}
	}
}

// Close stops accepting new work.
func (q *BatchQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}
