// Package flashguard implements a provider-agnostic cache-aside engine that
// keeps hot keys from stampeding the system of record.
//
// Components:
//   - Provider: byte store with TTL (e.g. Redis, Ristretto, BigCache, Memcache).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - Locker: non-blocking lease used to elect one rebuilder per key (lock.Redis).
//   - Submitter: bounded pool for logical-expiry rebuilds (workpool.Pool).
//
// Keys:
//
//	cache:<ns>:<key>       - entries (value or tombstone)
//	lock:cache:<ns>:<key>  - rebuild lease, when Locker is lock.Redis
//
// Strategies:
//
//	v, ok, err := c.GetPassThrough(ctx, k, load, 0)       // miss => load; absent => tombstone
//	v, ok, err := c.GetWithMutex(ctx, k, load, 0)         // one loader per key
//	v, ok, err := c.GetWithLogicalExpiry(ctx, k, load, 0) // serve stale, refresh in background
//
// Logical-expiry keys must be seeded out of band with SetLogical.
//
// Sibling packages build on the same store: lock, idgen, admission and
// orderqueue implement the flash-sale order path.
package flashguard
