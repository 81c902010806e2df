package orderqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/admission"
	"github.com/unkn0wn-root/flashguard/idgen"
	"github.com/unkn0wn-root/flashguard/lock"
)

type orderKey struct{ user, voucher int64 }

// memStore mimics the guarded decrement + unique insert of the Postgres store.
type memStore struct {
	mu      sync.Mutex
	stock   map[int64]int64
	orders  map[orderKey]Order
	fail    int // CommitOrder fails this many more times
	commits int
}

var _ OrderStore = (*memStore)(nil)

func newMemStore(stock map[int64]int64) *memStore {
	return &memStore{stock: stock, orders: make(map[orderKey]Order)}
}

func (s *memStore) GetStockAndOrderState(_ context.Context, voucherID, userID int64) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orders[orderKey{userID, voucherID}]
	return State{Stock: s.stock[voucherID], AlreadyOrdered: ok}, nil
}

func (s *memStore) CommitOrder(_ context.Context, o Order) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return 0, errors.New("connection reset")
	}
	if s.stock[o.VoucherID] <= 0 {
		return CommitStockExhausted, nil
	}
	k := orderKey{o.UserID, o.VoucherID}
	if _, ok := s.orders[k]; ok {
		return CommitDuplicate, nil
	}
	s.stock[o.VoucherID]--
	s.orders[k] = o
	s.commits++
	return CommitApplied, nil
}

func (s *memStore) snapshot() (orders int, commits int, stock map[int64]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[int64]int64, len(s.stock))
	for k, v := range s.stock {
		cp[k] = v
	}
	return len(s.orders), s.commits, cp
}

type harness struct {
	mr    *miniredis.Miniredis
	rdb   *goredis.Client
	lock  *lock.Redis
	store *memStore
	c     *Consumer
}

func newHarness(t *testing.T, stock map[int64]int64) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := lock.New(rdb)
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	st := newMemStore(stock)
	c, err := New(rdb, st, l, Options{Block: 50 * time.Millisecond, RetryBackoff: time.Millisecond, ErrorBackoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return &harness{mr: mr, rdb: rdb, lock: l, store: st, c: c}
}

func (h *harness) enqueue(t *testing.T, orderID uint64, user, voucher int64) {
	t.Helper()
	err := h.rdb.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]any{
			"orderId":     strconv.FormatUint(orderID, 10),
			"userId":      strconv.FormatInt(user, 10),
			"voucherId":   strconv.FormatInt(voucher, 10),
			"enqueueTime": "1700000000000",
		},
	}).Err()
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
}

// deliverWithoutAck simulates a consumer that read entries and crashed.
func (h *harness) deliverWithoutAck(t *testing.T) []goredis.XMessage {
	t.Helper()
	streams, err := h.rdb.XReadGroup(context.Background(), &goredis.XReadGroupArgs{
		Group:    DefaultGroup,
		Consumer: DefaultConsumer,
		Streams:  []string{DefaultStream, ">"},
		Count:    100,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup: %v", err)
	}
	return messages(streams)
}

func (h *harness) backlog(t *testing.T) int64 {
	t.Helper()
	n, err := h.c.Backlog(context.Background())
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	return n
}

func msg(id string, order uint64, user, voucher int64) Message {
	return Message{ID: id, OrderID: order, UserID: user, VoucherID: voucher}
}

// ==============================
// Process
// ==============================

func TestProcessCommitsThenSkipsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})

	if out, err := h.c.Process(ctx, msg("1-0", 100, 7, 1)); err != nil || out != Committed {
		t.Fatalf("first: out=%v err=%v", out, err)
	}
	if out, err := h.c.Process(ctx, msg("1-0", 100, 7, 1)); err != nil || out != SkippedDuplicate {
		t.Fatalf("replay: out=%v err=%v", out, err)
	}
	orders, commits, stock := h.store.snapshot()
	if orders != 1 || commits != 1 || stock[1] != 4 {
		t.Fatalf("orders=%d commits=%d stock=%d", orders, commits, stock[1])
	}
	if h.mr.Exists("lock:order:7") {
		t.Fatalf("order lock leaked")
	}
}

func TestProcessAbandonsWhenUserLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	_, _ = h.lock.TryAcquire(ctx, "order:7", "another-replica", time.Minute)

	out, err := h.c.Process(ctx, msg("1-0", 100, 7, 1))
	if err != nil || out != Abandoned {
		t.Fatalf("out=%v err=%v", out, err)
	}
	if orders, _, _ := h.store.snapshot(); orders != 0 {
		t.Fatalf("abandoned delivery must not commit")
	}
	if owner, _, _ := h.lock.Owner(ctx, "order:7"); owner != "another-replica" {
		t.Fatalf("foreign lock disturbed: %q", owner)
	}
}

type recLogger struct {
	flashguard.NopLogger
	mu    sync.Mutex
	warns []flashguard.Fields
}

func (l *recLogger) Warn(_ string, f flashguard.Fields) {
	l.mu.Lock()
	l.warns = append(l.warns, f)
	l.mu.Unlock()
}

func TestAbandonLogsLockHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	rec := &recLogger{}
	h.c.log = rec
	_, _ = h.lock.TryAcquire(ctx, "order:7", "replica-b-12", time.Minute)
	h.enqueue(t, 100, 7, 1)

	for _, x := range h.deliverWithoutAck(t) {
		if out, ok := h.c.handle(ctx, x); ok || out != Abandoned {
			t.Fatalf("out=%v ok=%v", out, ok)
		}
	}
	if len(rec.warns) != 1 || rec.warns[0]["holder"] != "replica-b-12" {
		t.Fatalf("warns = %v", rec.warns)
	}
	if b := h.backlog(t); b != 1 {
		t.Fatalf("abandoned entry must stay pending, backlog=%d", b)
	}
}

func TestProcessStockExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 0})

	if out, err := h.c.Process(ctx, msg("1-0", 100, 7, 1)); err != nil || out != StockExhausted {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestProcessErrorWrapsCause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	h.store.fail = 1

	_, err := h.c.Process(ctx, msg("9-0", 100, 7, 1))
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.MessageID != "9-0" || pe.OrderID != 100 {
		t.Fatalf("expected *ProcessError, got %v", err)
	}
	if h.mr.Exists("lock:order:7") {
		t.Fatalf("lock must be released after a failed commit")
	}
}

func TestProcessIgnoresCancellation(t *testing.T) {
	h := newHarness(t, map[int64]int64{1: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if out, err := h.c.Process(ctx, msg("1-0", 100, 7, 1)); err != nil || out != Committed {
		t.Fatalf("cancelled caller must not abort the commit: out=%v err=%v", out, err)
	}
}

// ==============================
// Recovery
// ==============================

func TestRecoverReplaysPendingAfterCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	h.enqueue(t, 100, 7, 1)
	h.enqueue(t, 101, 8, 1)

	if got := h.deliverWithoutAck(t); len(got) != 2 {
		t.Fatalf("delivered %d entries", len(got))
	}
	if n := h.backlog(t); n != 2 {
		t.Fatalf("backlog before recovery: %d", n)
	}

	n, err := h.c.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Recover: n=%d err=%v", n, err)
	}
	if b := h.backlog(t); b != 0 {
		t.Fatalf("backlog after recovery: %d", b)
	}
	if orders, commits, _ := h.store.snapshot(); orders != 2 || commits != 2 {
		t.Fatalf("orders=%d commits=%d", orders, commits)
	}
}

func TestRecoverIsIdempotentAfterPartialCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	h.enqueue(t, 100, 7, 1)
	delivered := h.deliverWithoutAck(t)

	// committed durably, crashed before XACK
	if _, err := h.c.Process(ctx, mustParse(t, delivered[0])); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if n, err := h.c.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Recover: n=%d err=%v", n, err)
	}
	orders, commits, stock := h.store.snapshot()
	if orders != 1 || commits != 1 || stock[1] != 4 {
		t.Fatalf("double commit: orders=%d commits=%d stock=%d", orders, commits, stock[1])
	}
	if b := h.backlog(t); b != 0 {
		t.Fatalf("backlog: %d", b)
	}
}

func TestRecoverLeavesFailuresPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	h.enqueue(t, 100, 7, 1)
	h.enqueue(t, 101, 8, 1)
	h.deliverWithoutAck(t)
	h.store.fail = 1

	if n, err := h.c.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	if b := h.backlog(t); b != 1 {
		t.Fatalf("failed entry should stay pending, backlog=%d", b)
	}
	if n, err := h.c.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
	if b := h.backlog(t); b != 0 {
		t.Fatalf("backlog after heal: %d", b)
	}
}

func TestMalformedEntryDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[int64]int64{1: 5})
	_ = h.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: DefaultStream, Values: map[string]any{"userId": "x"}}).Err()
	h.deliverWithoutAck(t)

	if n, err := h.c.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Recover: n=%d err=%v", n, err)
	}
	if b := h.backlog(t); b != 0 {
		t.Fatalf("poison entry must be acked, backlog=%d", b)
	}
}

func TestRecoverEmptyBacklog(t *testing.T) {
	h := newHarness(t, nil)
	if n, err := h.c.Recover(context.Background()); err != nil || n != 0 {
		t.Fatalf("Recover on empty backlog: n=%d err=%v", n, err)
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("second EnsureGroup: %v", err)
	}
}

// ==============================
// Run
// ==============================

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, map[int64]int64{1: 3})
	ids, _ := idgen.New(h.rdb, idgen.Options{})
	adm, _ := admission.New(h.rdb, ids, admission.Options{})
	bg := context.Background()
	_, _ = adm.SeedStock(bg, 1, 3)

	// one entry crashed mid-flight before Run starts
	h.enqueue(t, 1, 99, 2)
	h.deliverWithoutAck(t)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	for user := int64(1); user <= 4; user++ {
		if _, _, err := adm.TryAdmit(bg, 1, user); err != nil {
			t.Fatalf("TryAdmit: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		orders, _, stock := h.store.snapshot()
		if orders == 3 && stock[1] == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("orders not materialized: orders=%d stock=%v", orders, stock)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if b := h.backlog(t); b != 0 {
		t.Fatalf("backlog after Run: %d", b)
	}
}

func TestParseMessage(t *testing.T) {
	good := goredis.XMessage{ID: "1-0", Values: map[string]any{
		"orderId": "42", "userId": "7", "voucherId": "3", "enqueueTime": "1700000000000",
	}}
	m, err := parseMessage(good)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.OrderID != 42 || m.UserID != 7 || m.VoucherID != 3 || !m.EnqueuedAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("parsed: %+v", m)
	}

	noTime := goredis.XMessage{ID: "1-1", Values: map[string]any{"orderId": "1", "userId": "1", "voucherId": "1"}}
	if m, err := parseMessage(noTime); err != nil || !m.EnqueuedAt.IsZero() {
		t.Fatalf("enqueueTime is optional: %+v %v", m, err)
	}

	for _, bad := range []map[string]any{
		nil,
		{"orderId": "x", "userId": "1", "voucherId": "1"},
		{"orderId": "1", "voucherId": "1"},
		{"orderId": "1", "userId": "1", "voucherId": "1", "enqueueTime": "soon"},
	} {
		if _, err := parseMessage(goredis.XMessage{ID: "2-0", Values: bad}); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func mustParse(t *testing.T, x goredis.XMessage) Message {
	t.Helper()
	m, err := parseMessage(x)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	return m
}

func TestRunRecoversAfterProcessFailure(t *testing.T) {
	h := newHarness(t, map[int64]int64{1: 5})
	h.store.fail = 1
	h.c.recoveryInterval = -1 // only the failure-triggered pass may replay

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	h.enqueue(t, 100, 7, 1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		orders, _, _ := h.store.snapshot()
		if orders == 1 && h.backlog(t) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed delivery not replayed: orders=%d backlog=%d", orders, h.backlog(t))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	orders, commits, stock := h.store.snapshot()
	if orders != 1 || commits != 1 || stock[1] != 4 {
		t.Fatalf("orders=%d commits=%d stock=%d", orders, commits, stock[1])
	}
	h.store.mu.Lock()
	left := h.store.fail
	h.store.mu.Unlock()
	if left != 0 {
		t.Fatalf("injected failure never hit the main loop")
	}
}
