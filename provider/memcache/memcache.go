package memcache

import (
	"context"
	"errors"
	"time"

	mc "github.com/bradfitz/gomemcache/memcache"

	pr "github.com/unkn0wn-root/flashguard/provider"
)

// relative expirations above 30 days are read by memcached as unix timestamps
const maxRelative = 30 * 24 * time.Hour

// Provider stores entries in memcached. Values above the server's item size
// limit (1MB by default) fail to Set.
type Provider struct {
	c *mc.Client
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Servers      []string // host:port
	Timeout      time.Duration
	MaxIdleConns int
}

func New(cfg Config) (*Provider, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("memcache: at least one server is required")
	}
	c := mc.New(cfg.Servers...)
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.MaxIdleConns > 0 {
		c.MaxIdleConns = cfg.MaxIdleConns
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, err := p.c.Get(key)
	if errors.Is(err, mc.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return it.Value, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	err := p.c.Set(&mc.Item{Key: key, Value: value, Expiration: expiration(ttl, time.Now())})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(key)
	if errors.Is(err, mc.ErrCacheMiss) {
		return nil
	}
	return err
}

func (p *Provider) Close(_ context.Context) error { return nil }

// Ping checks every configured server.
func (p *Provider) Ping() error { return p.c.Ping() }

// expiration converts ttl to memcached seconds. 0 means never expire; sub-second
// TTLs round up to 1s.
func expiration(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelative {
		return int32(now.Add(ttl).Unix())
	}
	secs := int32((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
