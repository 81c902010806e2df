package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/codec"
	"github.com/unkn0wn-root/flashguard/config"
	"github.com/unkn0wn-root/flashguard/provider"
	"github.com/unkn0wn-root/flashguard/provider/bigcache"
	"github.com/unkn0wn-root/flashguard/provider/memcache"
	fgredis "github.com/unkn0wn-root/flashguard/provider/redis"
	"github.com/unkn0wn-root/flashguard/provider/ristretto"
	"github.com/unkn0wn-root/flashguard/storage/postgres"
)

// bigcache has no per-entry TTL; logical-expiry keys are re-seeded well
// inside this window.
const bigcacheLifeWindow = 24 * time.Hour

func newProvider(cfg config.Cache, rdb goredis.UniversalClient) (provider.Provider, error) {
	switch cfg.Provider {
	case "redis":
		return fgredis.New(fgredis.Config{Client: rdb})
	case "ristretto":
		return ristretto.New(ristretto.Config{
			NumCounters: 1e6,
			MaxCost:     256 << 20,
			BufferItems: 64,
			Sync:        true,
		})
	case "bigcache":
		return bigcache.New(bigcache.Config{LifeWindow: bigcacheLifeWindow})
	case "memcache":
		p, err := memcache.New(memcache.Config{Servers: cfg.MemcacheServers, Timeout: time.Second})
		if err != nil {
			return nil, err
		}
		if err := p.Ping(); err != nil {
			return nil, fmt.Errorf("memcache ping: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown cache provider %q", cfg.Provider)
}

type cacheDeps struct {
	provider provider.Provider
	locker   flashguard.Locker
	pool     flashguard.Submitter
	logger   flashguard.Logger
	hooks    flashguard.Hooks
}

func newVoucherCache(cfg config.Cache, d cacheDeps) (flashguard.Cache[postgres.Voucher], error) {
	cd, err := codec.ByName[postgres.Voucher](cfg.Codec)
	if err != nil {
		return nil, err
	}
	strategy, err := flashguard.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return flashguard.New[postgres.Voucher](flashguard.Options[postgres.Voucher]{
		Namespace:  cfg.Namespace,
		Provider:   d.provider,
		Codec:      codec.Limit[postgres.Voucher]{Inner: cd, MaxDecode: 64 << 10},
		Locker:     d.locker,
		Pool:       d.pool,
		Strategy:   strategy,
		Logger:     d.logger,
		Hooks:      d.hooks,
		DefaultTTL: cfg.TTL,
		NullTTL:    cfg.NullTTL,
		LockTTL:    cfg.LockTTL,
	})
}

// closeCache drains queued rebuilds before the provider they write to is closed.
func closeCache(ctx context.Context, c interface{ Close(context.Context) error }, rebuilds interface{ Close() }) error {
	rebuilds.Close()
	return c.Close(ctx)
}
