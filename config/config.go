// Package config loads the flashguardd ini file.
//
//	[redis]
//	addrs = 127.0.0.1:6379
//	password =
//	db = 0
//
//	[postgres]
//	dsn = postgres://localhost/flashguard
//	voucher_table = tb_seckill_voucher
//	order_table = tb_voucher_order
//
//	[cache]
//	; redis | ristretto | bigcache | memcache
//	provider = redis
//	; json | msgpack | cbor
//	codec = json
//	namespace = voucher
//	; pass_through | mutex | logical_expiry
//	strategy = logical_expiry
//	ttl = 30m
//	null_ttl = 2m
//	lock_ttl = 10s
//	workers = 10
//	queue = 1024
//	memcache_servers = 127.0.0.1:11211
//
//	[queue]
//	stream = stream.orders
//	group = g1
//	consumer = c1
//	block = 2s
//	recovery_interval = 30s
//
//	[log]
//	; zap | logrus | slog | zerolog | glog
//	backend = zap
//	level = info
//
//	[cron]
//	; robfig/cron specs, seconds first
//	stock_spec = 0 * * * * *
//	cache_spec = 0 */5 * * * *
//
// Every option may be overridden by FLASHGUARD_<SECTION>_<OPTION>, e.g.
// FLASHGUARD_REDIS_ADDRS or FLASHGUARD_POSTGRES_DSN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ini "github.com/robfig/config"

	"github.com/unkn0wn-root/flashguard"
)

type Redis struct {
	Addrs    []string
	Password string
	DB       int
}

type Postgres struct {
	DSN          string
	VoucherTable string
	OrderTable   string
}

type Cache struct {
	Provider        string
	Codec           string
	Namespace       string
	Strategy        string
	TTL             time.Duration
	NullTTL         time.Duration
	LockTTL         time.Duration
	Workers         int
	Queue           int
	MemcacheServers []string
}

type Queue struct {
	Stream           string
	Group            string
	Consumer         string
	Block            time.Duration
	RecoveryInterval time.Duration
}

type Log struct {
	Backend string
	Level   string
}

type Cron struct {
	StockSpec string
	CacheSpec string
}

type Config struct {
	Redis    Redis
	Postgres Postgres
	Cache    Cache
	Queue    Queue
	Log      Log
	Cron     Cron
}

const envPrefix = "FLASHGUARD_"

// Default is the configuration used for every option left unset.
func Default() Config {
	return Config{
		Redis:    Redis{Addrs: []string{"127.0.0.1:6379"}},
		Postgres: Postgres{DSN: "postgres://localhost:5432/flashguard"},
		Cache: Cache{
			Provider:  "redis",
			Codec:     "json",
			Namespace: "voucher",
			Strategy:  "logical_expiry",
			TTL:       30 * time.Minute,
			NullTTL:   2 * time.Minute,
			LockTTL:   10 * time.Second,
			Workers:   10,
			Queue:     1024,
		},
		Queue: Queue{
			Stream:           "stream.orders",
			Group:            "g1",
			Consumer:         "c1",
			Block:            2 * time.Second,
			RecoveryInterval: 30 * time.Second,
		},
		Log:  Log{Backend: "zap", Level: "info"},
		Cron: Cron{StockSpec: "0 * * * * *", CacheSpec: "0 */5 * * * *"},
	}
}

// Load reads path over Default and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	c := ini.NewDefault()
	if path != "" {
		var err error
		if c, err = ini.ReadDefault(path); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return parse(source{c: c, env: os.LookupEnv})
}

type source struct {
	c   *ini.Config
	env func(string) (string, bool)
}

// lookup prefers the environment, then the file.
func (s source) lookup(section, option string) (string, bool) {
	name := envPrefix + strings.ToUpper(section) + "_" + strings.ToUpper(option)
	if v, ok := s.env(name); ok {
		return v, true
	}
	if !s.c.HasOption(section, option) {
		return "", false
	}
	v, err := s.c.String(section, option)
	if err != nil {
		return "", false
	}
	return v, true
}

func parse(s source) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(section, option string, dst *string) {
		if v, ok := s.lookup(section, option); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(section, option string, dst *[]string) {
		if v, ok := s.lookup(section, option); ok {
			*dst = splitList(v)
		}
	}
	num := func(section, option string, dst *int) {
		if v, ok := s.lookup(section, option); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s.%s: %w", section, option, err))
				return
			}
			*dst = n
		}
	}
	dur := func(section, option string, dst *time.Duration) {
		if v, ok := s.lookup(section, option); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s.%s: %w", section, option, err))
				return
			}
			*dst = d
		}
	}

	list("redis", "addrs", &cfg.Redis.Addrs)
	str("redis", "password", &cfg.Redis.Password)
	num("redis", "db", &cfg.Redis.DB)

	str("postgres", "dsn", &cfg.Postgres.DSN)
	str("postgres", "voucher_table", &cfg.Postgres.VoucherTable)
	str("postgres", "order_table", &cfg.Postgres.OrderTable)

	str("cache", "provider", &cfg.Cache.Provider)
	str("cache", "codec", &cfg.Cache.Codec)
	str("cache", "namespace", &cfg.Cache.Namespace)
	str("cache", "strategy", &cfg.Cache.Strategy)
	dur("cache", "ttl", &cfg.Cache.TTL)
	dur("cache", "null_ttl", &cfg.Cache.NullTTL)
	dur("cache", "lock_ttl", &cfg.Cache.LockTTL)
	num("cache", "workers", &cfg.Cache.Workers)
	num("cache", "queue", &cfg.Cache.Queue)
	list("cache", "memcache_servers", &cfg.Cache.MemcacheServers)

	str("queue", "stream", &cfg.Queue.Stream)
	str("queue", "group", &cfg.Queue.Group)
	str("queue", "consumer", &cfg.Queue.Consumer)
	dur("queue", "block", &cfg.Queue.Block)
	dur("queue", "recovery_interval", &cfg.Queue.RecoveryInterval)

	str("log", "backend", &cfg.Log.Backend)
	str("log", "level", &cfg.Log.Level)

	str("cron", "stock_spec", &cfg.Cron.StockSpec)
	str("cron", "cache_spec", &cfg.Cron.CacheSpec)

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("config: redis.addrs is empty"))
	}
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("config: postgres.dsn is empty"))
	}
	switch c.Cache.Provider {
	case "redis", "ristretto", "bigcache":
	case "memcache":
		if len(c.Cache.MemcacheServers) == 0 {
			errs = append(errs, errors.New("config: cache.memcache_servers is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown cache.provider %q", c.Cache.Provider))
	}
	switch c.Log.Backend {
	case "zap", "logrus", "slog", "zerolog", "glog":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log.backend %q", c.Log.Backend))
	}
	if _, err := flashguard.ParseStrategy(c.Cache.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("config: cache.strategy: %w", err))
	}
	if c.Cache.Namespace == "" {
		errs = append(errs, errors.New("config: cache.namespace is empty"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
