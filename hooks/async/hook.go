// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    CorruptEvery:   10, // sample logs: ~every 10th corrupt entry
//	    ContendedEvery: 100,
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	locker, err := lock.New(rdb)
//	if err != nil {
//	    return err
//	}
//
//	cache, _ := flashguard.New[Voucher](flashguard.Options[Voucher]{
//	    Namespace: "voucher",
//	    Provider:  provider,
//	    Codec:     codec.JSON[Voucher]{},
//	    Locker:    locker,
//	    Strategy:  flashguard.LogicalExpiry,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync/atomic"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/workpool"
)

// Hooks forwards events to inner on a small worker pool.
// Events are dropped when the queue is full.
type Hooks struct {
	inner   flashguard.Hooks
	pool    *workpool.Pool
	dropped atomic.Uint64
}

var _ flashguard.Hooks = (*Hooks)(nil)

func New(inner flashguard.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = flashguard.NopHooks{}
	}
	return &Hooks{inner: inner, pool: workpool.New(workers, qlen)}
}

// Close drains queued events. Safe to call multiple times.
func (h *Hooks) Close() { h.pool.Close() }

// Dropped counts events lost to a full queue or a closed pool.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if !h.pool.Submit(f) {
		h.dropped.Add(1)
	}
}

func (h *Hooks) CorruptEntry(k, r string) { h.try(func() { h.inner.CorruptEntry(k, r) }) }
func (h *Hooks) NullCached(k string)      { h.try(func() { h.inner.NullCached(k) }) }
func (h *Hooks) ColdMiss(k string)        { h.try(func() { h.inner.ColdMiss(k) }) }
func (h *Hooks) LockContended(k string, n int) {
	h.try(func() { h.inner.LockContended(k, n) })
}
func (h *Hooks) RebuildSubmitted(k string) { h.try(func() { h.inner.RebuildSubmitted(k) }) }
func (h *Hooks) RebuildDropped(k string)   { h.try(func() { h.inner.RebuildDropped(k) }) }
func (h *Hooks) RebuildFailed(k string, err error) {
	h.try(func() { h.inner.RebuildFailed(k, err) })
}
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
