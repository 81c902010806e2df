package flashguard

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/flashguard/codec"
	pr "github.com/unkn0wn-root/flashguard/provider"
)

// Strategy selects how Fetch protects the loader on a miss.
type Strategy uint8

const (
	// PassThrough loads on every miss and caches negative lookups.
	// Concurrent misses are not deduplicated.
	PassThrough Strategy = iota
	// Mutex lets one caller per key rebuild; the rest back off and re-read.
	Mutex
	// LogicalExpiry never misses once seeded: stale values are served while
	// a single background task refreshes them.
	LogicalExpiry
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass_through"
	case Mutex:
		return "mutex"
	case LogicalExpiry:
		return "logical_expiry"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "pass_through", "passthrough", "":
		return PassThrough, nil
	case "mutex":
		return Mutex, nil
	case "logical_expiry", "logical":
		return LogicalExpiry, nil
	}
	return 0, fmt.Errorf("flashguard: unknown strategy %q", s)
}

// Loader fetches key from the system of record. found=false means the record
// does not exist; it is remembered as a tombstone.
type Loader[V any] func(ctx context.Context, key string) (v V, found bool, err error)

type SetCostFunc func(key string, raw []byte) int64

// Locker is the non-blocking lease the engine serializes rebuilds with.
// lock.Redis implements it.
type Locker interface {
	TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// Submitter runs background rebuilds. Submit must not block; it returns
// false when the task was not accepted. workpool.Pool implements it.
type Submitter interface {
	Submit(task func()) bool
}

// Cache is the provider-agnostic cache-aside API.
// V is the caller's value type. Serialization is handled by a pluggable Codec[V].
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Fetch dispatches to the configured Strategy. ttl is physical for
	// PassThrough/Mutex and logical for LogicalExpiry; 0 => DefaultTTL.
	Fetch(ctx context.Context, key string, load Loader[V], ttl time.Duration) (v V, ok bool, err error)

	GetPassThrough(ctx context.Context, key string, load Loader[V], ttl time.Duration) (V, bool, error)
	GetWithMutex(ctx context.Context, key string, load Loader[V], ttl time.Duration) (V, bool, error)
	GetWithLogicalExpiry(ctx context.Context, key string, load Loader[V], logicalTTL time.Duration) (V, bool, error)

	// Get is a plain read. Logical expiry is ignored; tombstones read as absent.
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	// Set writes with a physical TTL.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	// SetLogical writes without physical expiry, stamped with now+logicalTTL.
	// It is the seeding path for LogicalExpiry keys.
	SetLogical(ctx context.Context, key string, value V, logicalTTL time.Duration) error
	// Invalidate deletes the value or tombstone. Call it from the owning
	// record's write path.
	Invalidate(ctx context.Context, key string) error
}

// Options tune the cache. Namespace, Provider and Codec are required; Locker
// is required unless Strategy is PassThrough. Others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions. e.g. "shop", "voucher"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Locker   Locker
	Pool     Submitter // nil => owned pool of 10 workers, created on first stale read
	Strategy Strategy  // used by Fetch

	Logger Logger           // if nil, NopLogger is used
	Hooks  Hooks            // if nil, NopHooks is used
	Now    func() time.Time // clock for logical expiry; nil => time.Now

	DefaultTTL     time.Duration // 0 => 30m
	NullTTL        time.Duration // tombstones; 0 => 2m
	LockTTL        time.Duration // rebuild lease; 0 => 10s
	MutexRetries   int           // 0 => 20
	MutexBackoff   time.Duration // 0 => 50ms
	Disabled       bool          // default false; disabled caches call the loader directly
	ComputeSetCost SetCostFunc   // default 1
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
