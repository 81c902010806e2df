package main

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/admission"
	"github.com/unkn0wn-root/flashguard/storage/postgres"
)

const jobTimeout = 30 * time.Second

type voucherSource interface {
	ListVouchers(ctx context.Context, now time.Time) ([]postgres.Voucher, error)
}

type stockSeeder interface {
	SeedStock(ctx context.Context, voucherID, stock int64) (bool, error)
}

var (
	_ voucherSource = (*postgres.OrderStore)(nil)
	_ stockSeeder   = (*admission.Controller)(nil)
)

type jobs struct {
	vouchers voucherSource
	stock    stockSeeder
	cache    flashguard.Cache[postgres.Voucher]
	strategy flashguard.Strategy
	load     flashguard.Loader[postgres.Voucher]
	cacheTTL time.Duration
	log      flashguard.Logger
	now      func() time.Time
}

// seedStock creates the admission mirror for every open voucher that lacks one.
// Existing mirrors carry live reservations and are left alone.
func (j *jobs) seedStock(ctx context.Context) {
	vs, err := j.vouchers.ListVouchers(ctx, j.now())
	if err != nil {
		j.log.Error("stock seeding: list vouchers failed", flashguard.Fields{"err": err})
		return
	}
	seeded := 0
	for _, v := range vs {
		ok, err := j.stock.SeedStock(ctx, v.ID, v.Stock)
		if err != nil {
			j.log.Warn("stock seeding failed", flashguard.Fields{"voucher": v.ID, "err": err})
			continue
		}
		if ok {
			seeded++
		}
	}
	j.log.Debug("stock seeding done", flashguard.Fields{"vouchers": len(vs), "seeded": seeded})
}

// seedCache populates the voucher cache for every open voucher. Logical-expiry
// keys must be written out of band; other strategies are warmed through the
// loader and skip keys that are already cached.
func (j *jobs) seedCache(ctx context.Context) {
	vs, err := j.vouchers.ListVouchers(ctx, j.now())
	if err != nil {
		j.log.Error("cache seeding: list vouchers failed", flashguard.Fields{"err": err})
		return
	}
	failed := 0
	for _, v := range vs {
		if err := j.cacheOne(ctx, v); err != nil {
			failed++
			j.log.Warn("cache seeding failed", flashguard.Fields{"voucher": v.ID, "err": err})
		}
	}
	j.log.Debug("cache seeding done", flashguard.Fields{"vouchers": len(vs), "failed": failed})
}

func (j *jobs) cacheOne(ctx context.Context, v postgres.Voucher) error {
	key := strconv.FormatInt(v.ID, 10)
	if j.strategy == flashguard.LogicalExpiry {
		return j.cache.SetLogical(ctx, key, v, j.cacheTTL)
	}
	_, _, err := j.cache.Fetch(ctx, key, j.load, j.cacheTTL)
	return err
}

// schedule registers fn on spec; each run gets its own timeout under ctx.
func schedule(ctx context.Context, c *cron.Cron, spec string, fn func(context.Context)) error {
	return c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		fn(runCtx)
	})
}
