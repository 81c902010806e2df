package redis

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestProvider(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := New(Config{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), CloseClient: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, mr
}

func TestNilClient(t *testing.T) {
	if _, err := New(Config{}); err != ErrNilClient {
		t.Fatalf("expected ErrNilClient, got %v", err)
	}
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t)

	if _, ok, err := p.Get(ctx, "cache:shop:1"); err != nil || ok {
		t.Fatalf("miss expected: ok=%v err=%v", ok, err)
	}
	val := []byte{0, 1, 2, 0xff}
	if ok, err := p.Set(ctx, "cache:shop:1", val, 1, time.Minute); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "cache:shop:1")
	if err != nil || !ok || !bytes.Equal(got, val) {
		t.Fatalf("Get: %x ok=%v err=%v", got, ok, err)
	}
	if ttl := mr.TTL("cache:shop:1"); ttl != time.Minute {
		t.Fatalf("ttl: got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := p.Get(ctx, "cache:shop:1"); ok {
		t.Fatalf("entry should have expired")
	}

	_, _ = p.Set(ctx, "cache:shop:2", val, 1, 0)
	if ttl := mr.TTL("cache:shop:2"); ttl != 0 {
		t.Fatalf("ttl 0 must persist without expiry, got %v", ttl)
	}
	if err := p.Del(ctx, "cache:shop:2"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "cache:shop:2"); err != nil {
		t.Fatalf("Del of a missing key: %v", err)
	}
	if mr.Exists("cache:shop:2") {
		t.Fatalf("key still present")
	}
}

func TestStoreDown(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t)
	mr.Close()
	if _, _, err := p.Get(ctx, "k"); err == nil {
		t.Fatalf("expected transport error")
	}
}
