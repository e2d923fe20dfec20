package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is the cross-instance mutual exclusion primitive guarding periodic
// jobs. Acquire is atomic set-if-not-exists with expiry; Release only deletes
// a lock still held by the given owner, so a lock reacquired by another
// instance after expiry is never released from here.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

const lockKeyPrefix = "mnemosyne:lock:"

// releaseScript deletes the lock key only when it still belongs to the
// caller. Get-then-delete without the script would race against expiry.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis instance.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		panic("redis locker requires a client")
	}
	return &RedisLocker{client: client}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, lockKeyPrefix+name, owner, ttl).Result()
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + name}, owner).Err()
}

// MemoryLocker is a process-local Locker for single-instance deployments and
// tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[name]; ok && held.expires.After(now) {
		return false, nil
	}
	l.locks[name] = memoryLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[name]; ok && held.owner == owner {
		delete(l.locks, name)
	}
	return nil
}
