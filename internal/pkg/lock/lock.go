package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

// Locker is a lease-based mutual exclusion primitive shared between
// instances.
type Locker interface {
	// Acquire tries once to take key for ttl. It returns a nil Lease and no
	// error when someone else holds the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key     string
	token   string
	release func(ctx context.Context, key, token string) error
	once    sync.Once
	err     error
}

func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx, l.Key, l.token)
	})
	return l.err
}

const keyPrefix = "lock:"

// releaseScript deletes the key only if it still carries our token, so a
// lease that expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with SET NX PX and a token-checked release.
type RedisLock struct {
	client   redis.Cmdable
	newToken func() string
}

func NewRedisLock(client redis.Cmdable) *RedisLock {
	return &RedisLock{client: client, newToken: uuid.NewString}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, token: token, release: l.release}, nil
}

func (l *RedisLock) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLock implements Locker within one process. Used when Redis is not
// configured.
type LocalLock struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLock) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, token: token, release: l.release}, nil
}

func (l *LocalLock) release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	if !ok || e.token != token {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}
