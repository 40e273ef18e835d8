package status

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

// Backend records task state. CompareAndSet writes next only when the stored
// state equals expected (task.StateNone meaning "no record"). A terminal
// record is never overwritten by anything but a fresh queued instance.
type Backend interface {
	Put(ctx context.Context, t task.Task) error
	CompareAndSet(ctx context.Context, id string, expected task.State, next task.Task) (bool, error)
	Get(ctx context.Context, id string) (task.Task, error)
}

// Sweeper is implemented by backends that need expired records dropped explicitly
type Sweeper interface {
	Sweep(now time.Time) int
}

// transitionAllowed reports whether a record in state cur may be replaced by next
func transitionAllowed(cur, expected task.State, next task.Task) bool {
	if cur != expected {
		return false
	}
	if cur.Terminal() && next.State != task.StateQueued {
		return false
	}
	return true
}

// OpenRedis parses url and returns a client; an empty url yields nil
func OpenRedis(url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, nil //nolint:nilnil // absence selects the in-process backends
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// New creates the backend selected by the configuration
func New(logger *zap.Logger, cfg *config.Config, client redis.UniversalClient) (Backend, error) {
	log := logger.Named("status")
	ttl := cfg.RecordTTL()

	if cfg.StatusBackend() == config.StatusBackendRedis {
		if client == nil {
			return nil, fmt.Errorf("redis status backend selected without a client")
		}
		log.Info("using redis status backend", zap.Duration("record_ttl", ttl))
		return NewRedisBackend(log, client, ttl), nil
	}

	log.Info("using in-memory status backend", zap.Duration("record_ttl", ttl))
	return NewMemoryBackend(ttl), nil
}
