package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	tasks []types.Task
}

func (f *fakeFetcher) PendingTasks(_ context.Context, limit, offset int) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tasks, nil
}

func TestRunProducerRefillsOnlyWhenEmpty(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	fetcher := &fakeFetcher{tasks: []types.Task{{TaskID: "t1"}, {TaskID: "t2"}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runProducerWithInterval(ctx, q, fetcher, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		length, _ := q.Length()
		return length == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, 1, fetcher.calls, "producer must not refetch while the queue is non-empty")
}

func TestRunConsumerDispatchesDequeuedTasks(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	_, err := q.Enqueue(types.Task{TaskID: "t1"})
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, task types.Task) error {
		mu.Lock()
		handled = append(handled, task.TaskID)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runConsumerWithTimeout(ctx, q, 2, handler, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, []string{"t1"}, handled)
}

func TestRunConsumerIsolatesPanickingHandler(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	_, err := q.Enqueue(types.Task{TaskID: "bad"})
	require.NoError(t, err)
	_, err = q.Enqueue(types.Task{TaskID: "good"})
	require.NoError(t, err)

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, task types.Task) error {
		if task.TaskID == "bad" {
			panic("boom")
		}
		mu.Lock()
		handled = append(handled, task.TaskID)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runConsumerWithTimeout(ctx, q, 2, handler, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, []string{"good"}, handled)
}
