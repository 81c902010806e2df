// Package lock is a lease lock on Redis: SET NX PX to acquire, a Lua
// compare-and-delete to release. Leases are never renewed; size ttl above
// the longest critical section.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashguard"
)

const DefaultPrefix = "lock:"

var ErrNilClient = errors.New("lock: nil client")

// release deletes the key only while it still holds our owner id, so a holder
// whose lease already expired cannot drop someone else's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ flashguard.Locker = (*Redis)(nil)

func New(rdb goredis.UniversalClient) (*Redis, error) {
	return NewWithPrefix(rdb, DefaultPrefix)
}

func NewWithPrefix(rdb goredis.UniversalClient, prefix string) (*Redis, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (l *Redis) key(resource string) string { return l.prefix + resource }

// TryAcquire never blocks. It reports false when another owner holds resource.
func (l *Redis) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock: ttl must be positive, got %v", ttl)
	}
	if owner == "" {
		return false, errors.New("lock: empty owner")
	}
	k := l.key(resource)
	ok, err := l.rdb.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return false, &flashguard.StoreError{Op: "lock acquire", Key: k, Err: err}
	}
	return ok, nil
}

// Release returns ErrLockNotHeld when owner no longer holds resource; the
// stored value is left untouched in that case.
func (l *Redis) Release(ctx context.Context, resource, owner string) error {
	k := l.key(resource)
	n, err := releaseScript.Run(ctx, l.rdb, []string{k}, owner).Int64()
	if err != nil {
		return &flashguard.StoreError{Op: "lock release", Key: k, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", flashguard.ErrLockNotHeld, k)
	}
	return nil
}

// Owner returns the current holder of resource, if any.
func (l *Redis) Owner(ctx context.Context, resource string) (string, bool, error) {
	k := l.key(resource)
	v, err := l.rdb.Get(ctx, k).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &flashguard.StoreError{Op: "lock owner", Key: k, Err: err}
	}
	return v, true, nil
}

// Do runs fn while holding resource. acquired=false with a nil error means
// another owner holds it and fn did not run. The lease is released on every
// exit path, panics included, on a context that outlives ctx's cancellation.
// A failed release is joined into err.
func Do(ctx context.Context, l flashguard.Locker, resource, owner string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := l.TryAcquire(ctx, resource, owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx), resource, owner); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return true, fn(ctx)
}
