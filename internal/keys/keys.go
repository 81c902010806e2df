// Package keys owns the shared-store key layout.
//
// In Redis Cluster the admission script touches three keys (stock, order set,
// stream). They only hash to one slot when callers wrap a shared hash tag in
// the voucher id, e.g. "{42}". Single-node and sentinel deployments need nothing.
package keys

import (
	"strconv"
	"time"
)

const (
	cachePrefix = "cache:"
	stockPrefix = "seckill:stock:"
	orderPrefix = "seckill:order:"
	seqPrefix   = "icr:"
)

// Cache is the storage key of a cached record: cache:<ns>:<key>.
func Cache(ns, key string) string { return cachePrefix + ns + ":" + key }

// CacheLock is the lock resource guarding a rebuild of Cache(ns, key).
// The lock package prefixes it, giving lock:cache:<ns>:<key>.
func CacheLock(ns, key string) string { return Cache(ns, key) }

// OrderLock is the per-user lock resource used by the order pipeline.
func OrderLock(userID int64) string { return "order:" + strconv.FormatInt(userID, 10) }

// Stock is the fast-store stock mirror of a voucher.
func Stock(voucherID int64) string { return stockPrefix + strconv.FormatInt(voucherID, 10) }

// OrderSet holds the ids of users that were admitted for a voucher.
func OrderSet(voucherID int64) string { return orderPrefix + strconv.FormatInt(voucherID, 10) }

// Sequence is the daily counter key for namespace ns; t must already be in
// the generator's reference zone.
func Sequence(ns string, t time.Time) string {
	return seqPrefix + ns + ":" + t.Format("2006:01:02")
}
