package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/flashguard"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CorruptEvery   uint64
	NullEvery      uint64
	ColdMissEvery  uint64
	ContendedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	corruptCtr   atomic.Uint64
	nullCtr      atomic.Uint64
	coldMissCtr  atomic.Uint64
	contendedCtr atomic.Uint64
}

var _ flashguard.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CorruptEntry(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.CorruptEvery, &h.corruptCtr) {
		return
	}
	h.l.Warn("flashguard.corrupt_entry",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) NullCached(storageKey string) {
	if h.l == nil || !sample(h.opts.NullEvery, &h.nullCtr) {
		return
	}
	h.l.Debug("flashguard.null_cached", "key", h.redact(storageKey))
}

func (h *Hooks) ColdMiss(storageKey string) {
	if h.l == nil || !sample(h.opts.ColdMissEvery, &h.coldMissCtr) {
		return
	}
	h.l.Info("flashguard.cold_miss",
		"key", h.redact(storageKey),
		"msg", "logical-expiry key not seeded")
}

func (h *Hooks) LockContended(storageKey string, attempts int) {
	if h.l == nil || !sample(h.opts.ContendedEvery, &h.contendedCtr) {
		return
	}
	h.l.Warn("flashguard.lock_contended",
		"key", h.redact(storageKey),
		"attempts", attempts)
}

func (h *Hooks) RebuildSubmitted(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("flashguard.rebuild_submitted", "key", h.redact(storageKey))
}

func (h *Hooks) RebuildDropped(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("flashguard.rebuild_dropped", "key", h.redact(storageKey))
}

func (h *Hooks) RebuildFailed(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("flashguard.rebuild_failed",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("flashguard.provider_set_rejected", "key", h.redact(storageKey))
}
