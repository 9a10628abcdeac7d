package queue

import (
	"context"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// RefillBatchSize and RefillThreshold implement spec.md §4.2/§5 "when the
// queue is empty, pull up to RefillBatchSize pending tasks from CC".
const (
	RefillBatchSize = 20
	RefillThreshold = 0
	// FetchInterval is the producer's default refill cadence (spec.md §5:
	// "no producer has fed it within fetch_interval (default 90s)").
	FetchInterval = 90 * time.Second
	// DequeueTimeout is the consumer's BLPOP timeout (spec.md §5:
	// "Dequeue(timeout=5s)").
	DequeueTimeout = 5 * time.Second
)

// PendingTaskFetcher is the subset of internal/configclient.Client the
// producer loop needs.
type PendingTaskFetcher interface {
	PendingTasks(ctx context.Context, limit, offset int) ([]types.Task, error)
}

// TaskHandler processes one dequeued task. Errors are logged by the
// consumer loop; they never stop the pool (spec.md §7 per-task isolation).
type TaskHandler func(ctx context.Context, task types.Task) error

// RunProducer polls CC for pending tasks whenever the queue is empty and
// enqueues them, until ctx is cancelled (spec.md §5 long-lived activity 2).
func RunProducer(ctx context.Context, q *Queue, fetcher PendingTaskFetcher) {
	runProducerWithInterval(ctx, q, fetcher, FetchInterval)
}

func runProducerWithInterval(ctx context.Context, q *Queue, fetcher PendingTaskFetcher, interval time.Duration) {
	logger := log.New("component", "queue-producer")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			length, err := q.Length()
			if err != nil {
				logger.Warn("queue length check failed", "err", err)
				continue
			}
			if length > RefillThreshold {
				continue
			}
			tasks, err := fetcher.PendingTasks(ctx, RefillBatchSize, 0)
			if err != nil {
				logger.Warn("fetch pending tasks failed", "err", err)
				continue
			}
			for _, t := range tasks {
				added, err := q.Enqueue(t)
				if err != nil {
					logger.Warn("enqueue failed", "task", t.TaskID, "err", err)
					continue
				}
				if added {
					logger.Debug("enqueued task", "task", t.TaskID)
				}
			}
		}
	}
}

// RunConsumer dequeues tasks and dispatches each to handle on a bounded
// worker pool (maxConcurrent, spec.md §5/§6 MAX_CONCURRENT_TASKS), until
// ctx is cancelled. Each task runs in its own recovered goroutine so a
// panic in handle never takes down the consumer loop (spec.md §7).
func RunConsumer(ctx context.Context, q *Queue, maxConcurrent int, handle TaskHandler) {
	runConsumerWithTimeout(ctx, q, maxConcurrent, handle, DequeueTimeout)
}

func runConsumerWithTimeout(ctx context.Context, q *Queue, maxConcurrent int, handle TaskHandler, dequeueTimeout time.Duration) {
	logger := log.New("component", "queue-consumer")
	pool := workerpool.New(maxConcurrent)
	defer pool.StopWait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := q.Dequeue(dequeueTimeout)
		if err != nil {
			logger.Warn("dequeue failed", "err", err)
			continue
		}
		if task == nil {
			continue
		}

		t := *task
		pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task handler panicked, marking failed", "task", t.TaskID, "panic", r)
				}
			}()
			if err := handle(ctx, t); err != nil {
				logger.Warn("task handler returned error", "task", t.TaskID, "err", err)
			}
		})
	}
}
