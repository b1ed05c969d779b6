// Package lock provides per-key mutual exclusion for the deployment check-then-create step.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Locker serializes work on one key. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex. Entries are dropped when no holder or waiter remains.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func NewLocal() *Local { return &Local{keys: map[string]*entry{}} }

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e := l.keys[key]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

// Size reports how many keys are currently tracked.
func (l *Local) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// ErrNotAcquired is returned when a Redis lock could not be taken before the context ended.
var ErrNotAcquired = errors.New("lock not acquired")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a best-effort distributed lock (SET NX PX with a random token, compare-and-delete on unlock)
// for running several service replicas against one database.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "fleetsync:lock:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}, nil
}
