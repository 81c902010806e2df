package asynchook

import (
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/flashguard"
)

type recorder struct {
	flashguard.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) add(e string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) CorruptEntry(k, reason string)     { r.add("corrupt:" + k + ":" + reason) }
func (r *recorder) ColdMiss(k string)                 { r.add("cold:" + k) }
func (r *recorder) RebuildFailed(k string, err error) { r.add("failed:" + k + ":" + err.Error()) }

func TestForwardsEvents(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)
	h.CorruptEntry("k1", "corrupt")
	h.ColdMiss("k2")
	h.RebuildFailed("k3", errors.New("db down"))
	h.NullCached("ignored")
	h.Close()

	want := []string{"corrupt:k1:corrupt", "cold:k2", "failed:k3:db down"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, rec.events[i], want[i])
		}
	}
}

func TestDropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)
	for i := 0; i < 10; i++ {
		h.ColdMiss("k")
	}
	if h.Dropped() == 0 {
		t.Fatalf("expected drops with a blocked worker and queue of 1")
	}
	close(rec.block)
	h.Close()

	h.ColdMiss("after-close")
	if h.Dropped() < 9 {
		t.Fatalf("dropped = %d, want >= 9", h.Dropped())
	}
}
