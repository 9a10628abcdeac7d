// Package queue implements the Task Queue (TQ, spec.md §4.2): a
// Redis-backed FIFO with a companion set for task-id deduplication. The
// enqueue path's "add to SEEN then push" step is a single atomic Lua
// script, matching the spec's requirement that duplicate task ids can
// never both enter the queue.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

const (
	// QueueKey is the Redis list used as the FIFO (spec.md §6).
	QueueKey = "COGNIFY_QUERY_QUEUE"
	// SeenKey is the Redis set used for task-id deduplication.
	SeenKey = "COGNIFY_QUERY_TASK_IDS"
)

// enqueueScript implements "if SADD SEEN task_id == 1 then RPUSH QUEUE
// payload" as a single server-side step (spec.md §4.2).
const enqueueScript = `
local added = redis.call("SADD", KEYS[1], ARGV[1])
if added == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`

// redisCmdable is the minimal redis surface Queue needs, expressed in
// plain Go return values so tests can supply a hand-written fake instead
// of a live server.
type redisCmdable interface {
	Eval(script string, keys []string, args ...interface{}) (interface{}, error)
	BLPop(timeout time.Duration, keys ...string) ([]string, error)
	SRem(key string, members ...interface{}) error
	LLen(key string) (int64, error)
	Del(keys ...string) error
}

type clientAdapter struct {
	client *redis.Client
}

func (a clientAdapter) Eval(script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.client.Eval(script, keys, args...).Result()
}

func (a clientAdapter) BLPop(timeout time.Duration, keys ...string) ([]string, error) {
	return a.client.BLPop(timeout, keys...).Result()
}

func (a clientAdapter) SRem(key string, members ...interface{}) error {
	return a.client.SRem(key, members...).Err()
}

func (a clientAdapter) LLen(key string) (int64, error) {
	return a.client.LLen(key).Result()
}

func (a clientAdapter) Del(keys ...string) error {
	return a.client.Del(keys...).Err()
}

// Queue is the Redis-backed FIFO.
type Queue struct {
	rdb redisCmdable
}

// New wraps an existing pooled redis client. The pool (size 10 by
// convention, spec.md §4.2) and connection retry/reconnect behavior are
// the client's responsibility; Queue only issues commands against
// QueueKey and SeenKey.
func New(client *redis.Client) *Queue {
	return &Queue{rdb: clientAdapter{client: client}}
}

// Enqueue atomically dedups on task.TaskID and pushes task to the queue.
// Returns false if task.TaskID was already present (a no-op duplicate).
func (q *Queue) Enqueue(task types.Task) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("queue: marshal task: %w", err)
	}
	res, err := q.rdb.Eval(enqueueScript, []string{SeenKey, QueueKey}, task.TaskID, payload)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue: %w", err)
	}
	added, _ := res.(int64)
	return added == 1, nil
}

// Dequeue blocks up to timeout for the next task. On pop, the task id is
// removed from SEEN; failure to do so is logged but is not fatal — SEEN
// carries no TTL and eventual consistency is acceptable (spec.md §4.2).
func (q *Queue) Dequeue(timeout time.Duration) (*types.Task, error) {
	res, err := q.rdb.BLPop(timeout, QueueKey)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: dequeue: unexpected BLPOP reply shape")
	}
	var task types.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("queue: dequeue: unmarshal: %w", err)
	}
	if err := q.rdb.SRem(SeenKey, task.TaskID); err != nil {
		log.Warn("queue: failed to remove task id from dedup set (non-fatal)", "task_id", task.TaskID, "err", err)
	}
	return &task, nil
}

// Length reports the current queue length.
func (q *Queue) Length() (int64, error) {
	return q.rdb.LLen(QueueKey)
}

// Clear empties the queue and its dedup set.
func (q *Queue) Clear() error {
	return q.rdb.Del(QueueKey, SeenKey)
}
