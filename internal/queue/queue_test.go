package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// fakeRedis is a minimal in-memory stand-in for redisCmdable covering
// exactly the set/list semantics Queue depends on.
type fakeRedis struct {
	list []string
	seen map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{seen: map[string]bool{}}
}

func (f *fakeRedis) Eval(script string, keys []string, args ...interface{}) (interface{}, error) {
	// Queue only ever runs enqueueScript; emulate its SADD+RPUSH semantics
	// directly rather than interpreting Lua.
	taskID := args[0].(string)
	payload := args[1].([]byte)
	if f.seen[taskID] {
		return int64(0), nil
	}
	f.seen[taskID] = true
	f.list = append(f.list, string(payload))
	return int64(1), nil
}

func (f *fakeRedis) BLPop(_ time.Duration, _ ...string) ([]string, error) {
	if len(f.list) == 0 {
		return nil, redis.Nil
	}
	v := f.list[0]
	f.list = f.list[1:]
	return []string{QueueKey, v}, nil
}

func (f *fakeRedis) SRem(_ string, members ...interface{}) error {
	for _, m := range members {
		delete(f.seen, m.(string))
	}
	return nil
}

func (f *fakeRedis) LLen(_ string) (int64, error) {
	return int64(len(f.list)), nil
}

func (f *fakeRedis) Del(_ ...string) error {
	f.list = nil
	f.seen = map[string]bool{}
	return nil
}

func newQueueWithFake(fake *fakeRedis) *Queue {
	return &Queue{rdb: fake}
}

func TestEnqueueDedupsOnTaskID(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	task := types.Task{TaskID: "t1", TaskType: "chat"}

	added, err := q.Enqueue(task)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(task)
	require.NoError(t, err)
	assert.False(t, added, "duplicate task id must not be re-added")

	length, err := q.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestDequeueReturnsNilWhenEmpty(t *testing.T) {
	q := newQueueWithFake(newFakeRedis())
	task, err := q.Dequeue(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestDequeueRoundTripsTaskAndClearsSeen(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	want := types.Task{TaskID: "t2", TaskType: "image", ValidatorHotkey: "v1"}

	_, err := q.Enqueue(want)
	require.NoError(t, err)

	got, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.TaskID, got.TaskID)
	assert.Equal(t, want.TaskType, got.TaskType)
	assert.False(t, fake.seen["t2"], "dequeue must remove the task id from SEEN")
}

func TestClearEmptiesQueueAndSeen(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	_, _ = q.Enqueue(types.Task{TaskID: "t3"})

	require.NoError(t, q.Clear())

	length, err := q.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
	assert.Empty(t, fake.seen)
}

func TestEnqueuePayloadIsValidJSON(t *testing.T) {
	fake := newFakeRedis()
	q := newQueueWithFake(fake)
	task := types.Task{TaskID: "t4", QueryPayload: map[string]any{"prompt": "hi"}}

	_, err := q.Enqueue(task)
	require.NoError(t, err)

	var decoded types.Task
	require.NoError(t, json.Unmarshal([]byte(fake.list[0]), &decoded))
	assert.Equal(t, "hi", decoded.QueryPayload["prompt"])
}
