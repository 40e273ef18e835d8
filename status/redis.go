package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/task"
)

const keyPrefix = "pyexec:task:"

// casScript mirrors transitionAllowed. ARGV: expected, next state, payload, ttl seconds.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then cur = '' end
if cur ~= ARGV[1] then return 0 end
if (cur == 'success' or cur == 'failed') and ARGV[2] ~= 'queued' then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'data', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`)

// RedisBackend stores each record as a hash with the state kept in its own
// field so the compare-and-set script can read it without decoding.
type RedisBackend struct {
	logger *zap.Logger
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBackend creates a RedisBackend; ttl <= 0 disables expiry
func NewRedisBackend(logger *zap.Logger, client redis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{logger: logger, client: client, ttl: ttl}
}

func (*RedisBackend) key(id string) string {
	return keyPrefix + id
}

func (r *RedisBackend) ttlSeconds() int64 {
	if r.ttl <= 0 {
		return 0
	}
	secs := int64(r.ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

// Put stores t unconditionally
func (r *RedisBackend) Put(ctx context.Context, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	k := r.key(t.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "state", string(t.State), "data", data)
		if r.ttl > 0 {
			pipe.Expire(ctx, k, time.Duration(r.ttlSeconds())*time.Second)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store task %s: %w", t.ID, err)
	}
	return nil
}

// CompareAndSet stores next if the current state equals expected, atomically on the server
func (r *RedisBackend) CompareAndSet(ctx context.Context, id string, expected task.State, next task.Task) (bool, error) {
	next.ID = id
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to encode task %s: %w", id, err)
	}
	n, err := casScript.Run(ctx, r.client, []string{r.key(id)},
		string(expected), string(next.State), string(data), r.ttlSeconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n == 0 {
		r.logger.Debug("compare-and-set rejected",
			zap.String("task_id", id),
			zap.String("expected", string(expected)),
			zap.String("next", string(next.State)))
	}
	return n == 1, nil
}

// Get returns the record or task.ErrNotFound
func (r *RedisBackend) Get(ctx context.Context, id string) (task.Task, error) {
	data, err := r.client.HGet(ctx, r.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return task.Task{}, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return t, nil
}
