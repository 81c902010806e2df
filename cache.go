package flashguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	c "github.com/unkn0wn-root/flashguard/codec"
	"github.com/unkn0wn-root/flashguard/identity"
	"github.com/unkn0wn-root/flashguard/internal/keys"
	"github.com/unkn0wn-root/flashguard/internal/wire"
	pr "github.com/unkn0wn-root/flashguard/provider"
	"github.com/unkn0wn-root/flashguard/workpool"
)

var errNoLocker = errors.New("flashguard: strategy requires a Locker")

type readState uint8

const (
	stateMiss   readState = iota
	stateHit              // value present
	stateNull             // tombstone present
	stateHealed           // corrupt entry found and deleted; a miss to callers
)

type cache[V any] struct {
	ns             string
	provider       pr.Provider
	codec          c.Codec[V]
	locker         Locker
	strategy       Strategy
	log            Logger
	hooks          Hooks
	now            func() time.Time
	enabled        bool
	defaultTTL     time.Duration
	nullTTL        time.Duration
	lockTTL        time.Duration
	mutexRetries   int
	mutexBackoff   time.Duration
	computeSetCost SetCostFunc

	submitter Submitter
	poolOnce  sync.Once
	ownedPool *workpool.Pool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("flashguard: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("flashguard: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("flashguard: namespace is required")
	}
	if opts.Strategy > LogicalExpiry {
		return nil, fmt.Errorf("flashguard: unknown strategy %d", opts.Strategy)
	}
	if opts.Strategy != PassThrough && opts.Locker == nil {
		return nil, fmt.Errorf("%w (%s)", errNoLocker, opts.Strategy)
	}

	c := &cache[V]{
		ns:        opts.Namespace,
		provider:  opts.Provider,
		codec:     opts.Codec,
		locker:    opts.Locker,
		strategy:  opts.Strategy,
		submitter: opts.Pool,
		enabled:   !opts.Disabled,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce(opts.DefaultTTL, defaultTTL)
	c.nullTTL = coalesce(opts.NullTTL, defaultNullTTL)
	c.lockTTL = coalesce(opts.LockTTL, defaultLockTTL)
	c.mutexRetries = coalesce(opts.MutexRetries, defaultMutexRetries)
	c.mutexBackoff = coalesce(opts.MutexBackoff, defaultMutexBackoff)

	if opts.Now != nil {
		c.now = opts.Now
	} else {
		c.now = time.Now
	}
	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	// drain owned rebuilds first; they still write through the provider.
	// Running the once here also stops a pool from being created after Close.
	c.poolOnce.Do(func() {})
	if c.ownedPool != nil {
		c.ownedPool.Close()
	}
	if c.provider != nil {
		return c.provider.Close(ctx)
	}
	return nil
}

func (c *cache[V]) pool() Submitter {
	c.poolOnce.Do(func() {
		if c.submitter != nil {
			return
		}
		c.ownedPool = workpool.NewWithPanicHandler(defaultPoolWorkers, defaultPoolQueue, func(r any) {
			c.log.Error("rebuild task panicked", Fields{"ns": c.ns, "panic": r})
		})
		c.submitter = c.ownedPool
	})
	return c.submitter
}

func (c *cache[V]) Fetch(ctx context.Context, key string, load Loader[V], ttl time.Duration) (V, bool, error) {
	switch c.strategy {
	case Mutex:
		return c.GetWithMutex(ctx, key, load, ttl)
	case LogicalExpiry:
		return c.GetWithLogicalExpiry(ctx, key, load, ttl)
	default:
		return c.GetPassThrough(ctx, key, load, ttl)
	}
}

// ==============================
// Plain reads and writes
// ==============================

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if !c.enabled {
		return zero, false, nil
	}
	v, _, st, err := c.read(ctx, keys.Cache(c.ns, key))
	if err != nil || st != stateHit {
		return zero, false, err
	}
	return v, true, nil
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	return c.write(ctx, keys.Cache(c.ns, key), value, 0, c.ttlOr(ttl))
}

func (c *cache[V]) SetLogical(ctx context.Context, key string, value V, logicalTTL time.Duration) error {
	if !c.enabled {
		return nil
	}
	exp := c.now().Add(c.ttlOr(logicalTTL)).UnixNano()
	return c.write(ctx, keys.Cache(c.ns, key), value, exp, 0)
}

func (c *cache[V]) Invalidate(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	k := keys.Cache(c.ns, key)
	if err := c.provider.Del(ctx, k); err != nil {
		return &StoreError{Op: "del", Key: k, Err: err}
	}
	c.log.Debug("invalidated key", Fields{"key": key})
	return nil
}

// ==============================
// Pass-through
// ==============================

func (c *cache[V]) GetPassThrough(ctx context.Context, key string, load Loader[V], ttl time.Duration) (V, bool, error) {
	var zero V
	if !c.enabled {
		return load(ctx, key)
	}
	k := keys.Cache(c.ns, key)
	v, _, st, err := c.read(ctx, k)
	if err != nil {
		return zero, false, err
	}
	switch st {
	case stateHit:
		return v, true, nil
	case stateNull:
		return zero, false, nil
	}
	return c.loadAndStore(ctx, k, key, load, ttl)
}

// loadAndStore calls the loader and caches the outcome. Write failures are
// logged; the loaded value is still returned.
func (c *cache[V]) loadAndStore(ctx context.Context, k, key string, load Loader[V], ttl time.Duration) (V, bool, error) {
	var zero V
	v, found, err := load(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !found {
		if err := c.writeNull(ctx, k, 0, c.nullTTL); err != nil {
			c.log.Warn("tombstone write failed", Fields{"key": k, "err": err})
		}
		return zero, false, nil
	}
	if err := c.write(ctx, k, v, 0, c.ttlOr(ttl)); err != nil {
		c.log.Warn("cache write failed", Fields{"key": k, "err": err})
	}
	return v, true, nil
}

// ==============================
// Mutex rebuild
// ==============================

func (c *cache[V]) GetWithMutex(ctx context.Context, key string, load Loader[V], ttl time.Duration) (V, bool, error) {
	var zero V
	if !c.enabled {
		return load(ctx, key)
	}
	if c.locker == nil {
		return zero, false, errNoLocker
	}
	k := keys.Cache(c.ns, key)
	lk := keys.CacheLock(c.ns, key)
	owner := identity.NewOwnerID()

	for attempt := 1; ; attempt++ {
		v, _, st, err := c.read(ctx, k)
		if err != nil {
			return zero, false, err
		}
		switch st {
		case stateHit:
			return v, true, nil
		case stateNull:
			return zero, false, nil
		}

		ok, err := c.locker.TryAcquire(ctx, lk, owner, c.lockTTL)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return c.loadLocked(ctx, k, lk, owner, key, load, ttl)
		}
		if attempt >= c.mutexRetries {
			break
		}
		if err := sleepCtx(ctx, c.mutexBackoff); err != nil {
			return zero, false, err
		}
	}

	c.hooks.LockContended(k, c.mutexRetries)
	c.log.Debug("rebuild lock contended; giving up", Fields{"key": k, "attempts": c.mutexRetries})
	return zero, false, ErrLockContention
}

func (c *cache[V]) loadLocked(ctx context.Context, k, lk, owner, key string, load Loader[V], ttl time.Duration) (V, bool, error) {
	defer c.release(ctx, lk, owner)

	// a previous holder may have filled the entry between our miss and acquire
	if v, _, st, err := c.read(ctx, k); err == nil {
		switch st {
		case stateHit:
			return v, true, nil
		case stateNull:
			var zero V
			return zero, false, nil
		}
	}
	return c.loadAndStore(ctx, k, key, load, ttl)
}

// ==============================
// Logical expiry
// ==============================

func (c *cache[V]) GetWithLogicalExpiry(ctx context.Context, key string, load Loader[V], logicalTTL time.Duration) (V, bool, error) {
	var zero V
	if !c.enabled {
		return load(ctx, key)
	}
	if c.locker == nil {
		return zero, false, errNoLocker
	}
	k := keys.Cache(c.ns, key)
	v, e, st, err := c.read(ctx, k)
	if err != nil {
		return zero, false, err
	}

	switch st {
	case stateMiss:
		c.hooks.ColdMiss(k)
		return zero, false, nil
	case stateHealed:
		// the key was populated once; refresh it instead of waiting for a reseed
		c.triggerRebuild(ctx, k, key, load, logicalTTL)
		return zero, false, nil
	}

	if !c.fresh(e) {
		c.triggerRebuild(ctx, k, key, load, logicalTTL)
	}
	return v, st == stateHit, nil
}

func (c *cache[V]) fresh(e wire.Entry) bool {
	return e.LogicalExpiry == 0 || c.now().UnixNano() < e.LogicalExpiry
}

// triggerRebuild elects one rebuilder without blocking. The lease travels with
// the submitted task, which releases it on every exit path.
func (c *cache[V]) triggerRebuild(ctx context.Context, k, key string, load Loader[V], logicalTTL time.Duration) {
	lk := keys.CacheLock(c.ns, key)
	owner := identity.NewOwnerID()

	ok, err := c.locker.TryAcquire(ctx, lk, owner, c.lockTTL)
	if err != nil {
		c.log.Warn("rebuild lock acquire failed", Fields{"key": k, "err": err})
		return
	}
	if !ok {
		return
	}

	bg := context.WithoutCancel(ctx)
	p := c.pool() // nil once the cache is closed
	if p == nil || !p.Submit(func() { c.rebuild(bg, k, lk, owner, key, load, logicalTTL) }) {
		c.release(bg, lk, owner)
		c.hooks.RebuildDropped(k)
		c.log.Warn("rebuild rejected by pool", Fields{"key": k})
		return
	}
	c.hooks.RebuildSubmitted(k)
}

func (c *cache[V]) rebuild(ctx context.Context, k, lk, owner, key string, load Loader[V], logicalTTL time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.lockTTL)
	defer cancel()
	defer c.release(ctx, lk, owner)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("flashguard: rebuild panic: %v", r)
			c.hooks.RebuildFailed(k, err)
			c.log.Error("rebuild panicked", Fields{"key": k, "panic": r})
		}
	}()

	if err := c.refresh(ctx, k, key, load, logicalTTL); err != nil {
		c.hooks.RebuildFailed(k, err)
		c.log.Error("rebuild failed", Fields{"key": k, "err": err})
	}
}

func (c *cache[V]) refresh(ctx context.Context, k, key string, load Loader[V], logicalTTL time.Duration) error {
	// another rebuild finished while this task sat in the queue
	if _, e, st, err := c.read(ctx, k); err == nil && (st == stateHit || st == stateNull) && e.LogicalExpiry != 0 && c.fresh(e) {
		return nil
	}

	v, found, err := load(ctx, key)
	if err != nil {
		return err
	}
	now := c.now()
	if !found {
		return c.writeNull(ctx, k, now.Add(c.nullTTL).UnixNano(), 0)
	}
	return c.write(ctx, k, v, now.Add(c.ttlOr(logicalTTL)).UnixNano(), 0)
}

// ==============================
// Envelope plumbing
// ==============================

func (c *cache[V]) read(ctx context.Context, k string) (V, wire.Entry, readState, error) {
	var zero V
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		return zero, wire.Entry{}, stateMiss, &StoreError{Op: "get", Key: k, Err: err}
	}
	if !ok {
		return zero, wire.Entry{}, stateMiss, nil
	}
	e, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, k, "corrupt")
		return zero, wire.Entry{}, stateHealed, nil
	}
	if e.Tombstone() {
		return zero, e, stateNull, nil
	}
	v, err := c.codec.Decode(e.Payload)
	if err != nil {
		c.heal(ctx, k, "value_decode")
		return zero, wire.Entry{}, stateHealed, nil
	}
	return v, e, stateHit, nil
}

func (c *cache[V]) heal(ctx context.Context, k, reason string) {
	if err := c.provider.Del(ctx, k); err != nil {
		c.log.Warn("self-heal delete failed", Fields{"key": k, "err": err})
	}
	c.hooks.CorruptEntry(k, reason)
}

func (c *cache[V]) write(ctx context.Context, k string, v V, logicalExp int64, ttl time.Duration) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrSerialization, k, err)
	}
	return c.put(ctx, k, wire.EncodeValue(logicalExp, payload), ttl)
}

func (c *cache[V]) writeNull(ctx context.Context, k string, logicalExp int64, ttl time.Duration) error {
	if err := c.put(ctx, k, wire.EncodeTombstone(logicalExp), ttl); err != nil {
		return err
	}
	c.hooks.NullCached(k)
	return nil
}

func (c *cache[V]) put(ctx context.Context, k string, b []byte, ttl time.Duration) error {
	ok, err := c.provider.Set(ctx, k, b, c.computeSetCost(k, b), ttl)
	if err != nil {
		return &StoreError{Op: "set", Key: k, Err: err}
	}
	if !ok {
		c.hooks.ProviderSetRejected(k)
		c.log.Debug("Set rejected by provider (pressure)", Fields{"key": k})
	}
	return nil
}

// release never inherits cancellation: a lease must be returned even after
// the caller went away.
func (c *cache[V]) release(ctx context.Context, lk, owner string) {
	if err := c.locker.Release(context.WithoutCancel(ctx), lk, owner); err != nil {
		c.log.Warn("rebuild lock release failed", Fields{"lock": lk, "err": err})
	}
}

func (c *cache[V]) ttlOr(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}
