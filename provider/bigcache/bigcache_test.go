package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{LifeWindow: time.Hour, Shards: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if _, ok, err := p.Get(ctx, "cache:voucher:1"); err != nil || ok {
		t.Fatalf("miss expected: ok=%v err=%v", ok, err)
	}
	val := []byte("envelope")
	if ok, err := p.Set(ctx, "cache:voucher:1", val, 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "cache:voucher:1")
	if err != nil || !ok || !bytes.Equal(got, val) {
		t.Fatalf("Get: %q ok=%v err=%v", got, ok, err)
	}
	if err := p.Del(ctx, "cache:voucher:1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "cache:voucher:1"); err != nil {
		t.Fatalf("Del of a missing key must be nil: %v", err)
	}
}

func TestInvalidLifeWindow(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("zero LifeWindow must be rejected")
	}
}
