package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants a named single-writer lock with a bounded TTL
type Lease interface {
	// Acquire returns ok=false without error when another holder owns name
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

type holder struct {
	token   string
	expires time.Time
}

// MemoryLease is a process-local Lease
type MemoryLease struct {
	mu    sync.Mutex
	held  map[string]holder
	clock func() time.Time
}

// NewMemoryLease creates an empty lease table
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]holder), clock: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[name] = holder{token: token, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[name]; ok && h.token == token {
			delete(l.held, name)
		}
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease is a Lease shared by every process on the same Redis
type RedisLease struct {
	client redis.UniversalClient
}

// NewRedisLease uses client for SET NX PX
func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := "statute:lease:" + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// Released on a fresh context so a cancelled caller still frees the lease.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}, true, nil
}
