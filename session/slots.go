package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
)

// Slots is the registry of per-session execution slots. At most one holder
// per session id exists at a time; the returned release func is idempotent.
type Slots interface {
	// TryAcquire returns ok=false without waiting when the slot is held
	TryAcquire(ctx context.Context, sessionID string) (release func(), ok bool, err error)
	// Acquire waits until the slot is free or ctx is done
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

// NewSlots returns fleet-wide slots when a Redis client is available
func NewSlots(logger *zap.Logger, cfg *config.Config, client redis.UniversalClient) Slots {
	if client != nil && cfg.StatusBackend() == config.StatusBackendRedis {
		lease := time.Duration(cfg.Coordinator.SlotLeaseSec) * time.Second
		return NewRedisSlots(logger.Named("slots"), client, lease)
	}
	return NewLocalSlots()
}

type slot struct {
	token chan struct{}
	refs  int
}

// LocalSlots is an in-process arena of slots. Entries exist only while
// someone holds or waits for them.
type LocalSlots struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewLocalSlots creates an empty arena
func NewLocalSlots() *LocalSlots {
	return &LocalSlots{slots: make(map[string]*slot)}
}

func (l *LocalSlots) ref(sessionID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[sessionID]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.slots[sessionID] = s
	}
	s.refs++
	return s
}

func (l *LocalSlots) unref(sessionID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, sessionID)
	}
}

func (l *LocalSlots) releaser(sessionID string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			l.unref(sessionID, s)
		})
	}
}

// TryAcquire takes the slot if it is free
func (l *LocalSlots) TryAcquire(_ context.Context, sessionID string) (func(), bool, error) {
	s := l.ref(sessionID)
	select {
	case s.token <- struct{}{}:
		return l.releaser(sessionID, s), true, nil
	default:
		l.unref(sessionID, s)
		return nil, false, nil
	}
}

// Acquire waits for the slot
func (l *LocalSlots) Acquire(ctx context.Context, sessionID string) (func(), error) {
	s := l.ref(sessionID)
	select {
	case s.token <- struct{}{}:
		return l.releaser(sessionID, s), nil
	case <-ctx.Done():
		l.unref(sessionID, s)
		return nil, ctx.Err()
	}
}

// Len returns the number of live arena entries
func (l *LocalSlots) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

const slotKeyPrefix = "pyexec:slot:"

// releaseScript deletes the lease only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var errSlotBusy = errors.New("slot busy")

// RedisSlots implements Slots with SET NX PX leases so every instance of a
// fleet observes the same holder. A lease outlives a crashed holder by at
// most its TTL.
type RedisSlots struct {
	logger *zap.Logger
	client redis.UniversalClient
	lease  time.Duration
}

// NewRedisSlots creates RedisSlots with the given lease TTL
func NewRedisSlots(logger *zap.Logger, client redis.UniversalClient, lease time.Duration) *RedisSlots {
	return &RedisSlots{logger: logger, client: client, lease: lease}
}

func (r *RedisSlots) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("failed to release slot; lease will expire", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// TryAcquire takes the lease if nobody holds it
func (r *RedisSlots) TryAcquire(ctx context.Context, sessionID string) (func(), bool, error) {
	key := slotKeyPrefix + sessionID
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire slot %s: %w", sessionID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.releaser(key, token), true, nil
}

// Acquire polls for the lease with exponential backoff until ctx is done
func (r *RedisSlots) Acquire(ctx context.Context, sessionID string) (func(), error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	var release func()
	err := backoff.Retry(func() error {
		rel, ok, err := r.TryAcquire(ctx, sessionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errSlotBusy
		}
		release = rel
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return release, nil
}
