// Command flashguardd runs the durable order consumer and the seeding jobs
// that keep the admission stock mirror and the voucher cache populated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/admission"
	"github.com/unkn0wn-root/flashguard/config"
	asynchook "github.com/unkn0wn-root/flashguard/hooks/async"
	"github.com/unkn0wn-root/flashguard/identity"
	"github.com/unkn0wn-root/flashguard/idgen"
	"github.com/unkn0wn-root/flashguard/lock"
	"github.com/unkn0wn-root/flashguard/orderqueue"
	"github.com/unkn0wn-root/flashguard/sloghooks"
	"github.com/unkn0wn-root/flashguard/storage/postgres"
	"github.com/unkn0wn-root/flashguard/workpool"
)

const startupTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the ini config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "flashguardd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, flush, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(startupCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	pool, err := pgxpool.New(startupCtx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(startupCtx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	store := postgres.NewOrderStore(pool, postgres.Options{
		VoucherTable: cfg.Postgres.VoucherTable,
		OrderTable:   cfg.Postgres.OrderTable,
	})

	locker, err := lock.New(rdb)
	if err != nil {
		return err
	}
	ids, err := idgen.New(rdb, idgen.Options{KeyTTL: 48 * time.Hour})
	if err != nil {
		return err
	}
	ctrl, err := admission.New(rdb, ids, admission.Options{Stream: cfg.Queue.Stream, Logger: logger})
	if err != nil {
		return err
	}
	consumer, err := orderqueue.New(rdb, store, locker, orderqueue.Options{
		Stream:           cfg.Queue.Stream,
		Group:            cfg.Queue.Group,
		Consumer:         cfg.Queue.Consumer,
		Block:            cfg.Queue.Block,
		RecoveryInterval: cfg.Queue.RecoveryInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	hookLog, err := newSlog(cfg.Log.Level)
	if err != nil {
		return err
	}
	hooks := asynchook.New(sloghooks.New(hookLog, sloghooks.Options{
		CorruptEvery:   10,
		ColdMissEvery:  10,
		ContendedEvery: 100,
	}), 1, 1000)
	defer hooks.Close()

	rebuilds := workpool.NewWithPanicHandler(cfg.Cache.Workers, cfg.Cache.Queue, func(r any) {
		logger.Error("cache rebuild panicked", flashguard.Fields{"panic": r})
	})

	prov, err := newProvider(cfg.Cache, rdb)
	if err != nil {
		rebuilds.Close()
		return err
	}
	vouchers, err := newVoucherCache(cfg.Cache, cacheDeps{
		provider: prov,
		locker:   locker,
		pool:     rebuilds,
		logger:   logger,
		hooks:    hooks,
	})
	if err != nil {
		rebuilds.Close()
		_ = prov.Close(context.Background())
		return err
	}
	defer func() {
		if err := closeCache(context.Background(), vouchers, rebuilds); err != nil {
			logger.Warn("cache close failed", flashguard.Fields{"err": err})
		}
	}()

	strategy, _ := flashguard.ParseStrategy(cfg.Cache.Strategy) // validated by config.Load
	j := &jobs{
		vouchers: store,
		stock:    ctrl,
		cache:    vouchers,
		strategy: strategy,
		load:     postgres.VoucherLoader(store),
		cacheTTL: cfg.Cache.TTL,
		log:      logger,
		now:      time.Now,
	}

	// seed once before the consumer starts so admission has stock to reserve
	j.seedStock(startupCtx)
	j.seedCache(startupCtx)

	c := cron.New()
	if err := schedule(ctx, c, cfg.Cron.StockSpec, j.seedStock); err != nil {
		return fmt.Errorf("cron.stock_spec: %w", err)
	}
	if err := schedule(ctx, c, cfg.Cron.CacheSpec, j.seedCache); err != nil {
		return fmt.Errorf("cron.cache_spec: %w", err)
	}

	logger.Info("flashguardd started", flashguard.Fields{
		"stream":   cfg.Queue.Stream,
		"consumer": cfg.Queue.Consumer,
		"provider": cfg.Cache.Provider,
		"codec":    cfg.Cache.Codec,
		"strategy": strategy.String(),
		"process":  identity.ProcessID(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		c.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("flashguardd stopped", flashguard.Fields{"backlog": backlog(consumer)})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func backlog(c *orderqueue.Consumer) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := c.Backlog(ctx)
	if err != nil {
		return -1
	}
	return n
}
