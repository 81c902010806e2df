// Package orderqueue materializes admitted orders from a Redis stream into
// durable storage with at-least-once delivery.
//
// Each delivery is committed under a per-user lock, re-checked against
// durable storage and acknowledged only after the commit (or a defined skip).
// Deliveries that fail stay in the consumer's pending list and are replayed
// by Recover: at startup, after any failure, and periodically.
package orderqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/identity"
	"github.com/unkn0wn-root/flashguard/internal/keys"
	"github.com/unkn0wn-root/flashguard/lock"
)

const (
	DefaultStream   = "stream.orders"
	DefaultGroup    = "g1"
	DefaultConsumer = "c1"

	defaultCount            = 1
	defaultBlock            = 2 * time.Second
	defaultLockTTL          = 30 * time.Second
	defaultRecoveryInterval = 30 * time.Second
	defaultRetryBackoff     = 20 * time.Millisecond
	defaultErrorBackoff     = time.Second
)

var ErrNilClient = errors.New("orderqueue: nil client")

type Options struct {
	Stream   string // "" => "stream.orders"
	Group    string // "" => "g1"
	Consumer string // "" => "c1"; must be unique per running replica

	Count int64         // entries per read; 0 => 1
	Block time.Duration // max wait for new entries; <= 0 => 2s

	LockTTL          time.Duration // per-user commit lease; 0 => 30s
	RecoveryInterval time.Duration // periodic pending replay; 0 => 30s, < 0 disables
	RetryBackoff     time.Duration // pause after a failed replayed entry; 0 => 20ms
	ErrorBackoff     time.Duration // pause after a failed stream read; 0 => 1s

	Logger flashguard.Logger
}

type Consumer struct {
	rdb    goredis.UniversalClient
	store  OrderStore
	locker flashguard.Locker
	log    flashguard.Logger

	stream, group, consumer string

	count            int64
	block            time.Duration
	lockTTL          time.Duration
	recoveryInterval time.Duration
	retryBackoff     time.Duration
	errorBackoff     time.Duration
}

func New(rdb goredis.UniversalClient, store OrderStore, locker flashguard.Locker, opts Options) (*Consumer, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if store == nil {
		return nil, errors.New("orderqueue: order store is required")
	}
	if locker == nil {
		return nil, errors.New("orderqueue: locker is required")
	}
	c := &Consumer{
		rdb:              rdb,
		store:            store,
		locker:           locker,
		log:              opts.Logger,
		stream:           opts.Stream,
		group:            opts.Group,
		consumer:         opts.Consumer,
		count:            opts.Count,
		block:            opts.Block,
		lockTTL:          opts.LockTTL,
		recoveryInterval: opts.RecoveryInterval,
		retryBackoff:     opts.RetryBackoff,
		errorBackoff:     opts.ErrorBackoff,
	}
	if c.log == nil {
		c.log = flashguard.NopLogger{}
	}
	if c.stream == "" {
		c.stream = DefaultStream
	}
	if c.group == "" {
		c.group = DefaultGroup
	}
	if c.consumer == "" {
		c.consumer = DefaultConsumer
	}
	if c.count <= 0 {
		c.count = defaultCount
	}
	// BLOCK 0 waits forever, which would starve the shutdown check
	if c.block <= 0 {
		c.block = defaultBlock
	}
	if c.lockTTL <= 0 {
		c.lockTTL = defaultLockTTL
	}
	if c.recoveryInterval == 0 {
		c.recoveryInterval = defaultRecoveryInterval
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = defaultRetryBackoff
	}
	if c.errorBackoff <= 0 {
		c.errorBackoff = defaultErrorBackoff
	}
	return c, nil
}

// EnsureGroup creates the stream and the consumer group if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return &flashguard.StoreError{Op: "xgroup create", Key: c.stream, Err: err}
	}
	return nil
}

// Run consumes until ctx is done. Shutdown is checked between reads; a
// message already being committed always finishes first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("order consumer started", flashguard.Fields{
		"stream":   c.stream,
		"group":    c.group,
		"consumer": c.consumer,
		"process":  identity.ProcessID(),
	})
	c.recoverAndLog(ctx)

	var tick <-chan time.Time
	if c.recoveryInterval > 0 {
		t := time.NewTicker(c.recoveryInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("order consumer stopped", flashguard.Fields{"consumer": c.consumer})
			return nil
		case <-tick:
			c.recoverAndLog(ctx)
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Error("order stream read failed", flashguard.Fields{"stream": c.stream, "err": err})
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				if err := c.EnsureGroup(ctx); err != nil {
					c.log.Error("recreate consumer group failed", flashguard.Fields{"err": err})
				}
			}
			_ = sleepCtx(ctx, c.errorBackoff)
			c.recoverAndLog(ctx)
			continue
		}

		failed := false
		for _, x := range messages(streams) {
			if _, ok := c.handle(ctx, x); !ok {
				failed = true
			}
		}
		if failed {
			c.recoverAndLog(ctx)
		}
	}
}

// Recover replays this consumer's pending entries, oldest first, until the
// backlog has been walked once. Entries that fail again stay pending for the
// next pass. It returns how many entries were resolved and acknowledged.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	cursor := "0"
	seen := make(map[string]struct{})
	resolved := 0
	for {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, cursor},
			Count:    c.count,
			Block:    -1, // pending reads never block
		}).Result()
		if errors.Is(err, goredis.Nil) {
			return resolved, nil
		}
		if err != nil {
			return resolved, &flashguard.StoreError{Op: "xreadgroup pending", Key: c.stream, Err: err}
		}

		progressed := false
		for _, x := range messages(streams) {
			cursor = x.ID
			if _, dup := seen[x.ID]; dup {
				continue
			}
			seen[x.ID] = struct{}{}
			progressed = true

			if _, ok := c.handle(ctx, x); ok {
				resolved++
				continue
			}
			if err := sleepCtx(ctx, c.retryBackoff); err != nil {
				return resolved, err
			}
		}
		if !progressed {
			return resolved, nil
		}
	}
}

func (c *Consumer) recoverAndLog(ctx context.Context) {
	n, err := c.Recover(ctx)
	if err != nil && ctx.Err() == nil {
		c.log.Error("pending recovery failed", flashguard.Fields{"consumer": c.consumer, "resolved": n, "err": err})
		return
	}
	if n > 0 {
		c.log.Info("pending entries recovered", flashguard.Fields{"consumer": c.consumer, "resolved": n})
	}
}

// handle processes one delivery and acks it when the outcome is final.
// ok reports whether the entry left the pending list.
func (c *Consumer) handle(ctx context.Context, x goredis.XMessage) (out Outcome, ok bool) {
	msg, err := parseMessage(x)
	if err != nil {
		c.log.Error("discarding malformed order entry", flashguard.Fields{"id": x.ID, "err": err})
		return Discarded, c.ack(ctx, x.ID)
	}

	out, err = c.safeProcess(ctx, msg)
	if err != nil {
		c.log.Error("order processing failed; left pending", flashguard.Fields{"id": msg.ID, "order": msg.OrderID, "err": err})
		return 0, false
	}
	if out == Abandoned {
		f := flashguard.Fields{"id": msg.ID, "order": msg.OrderID, "user": msg.UserID}
		if holder, ok := c.lockHolder(ctx, msg.UserID); ok {
			f["holder"] = holder
		}
		c.log.Warn("user lock busy; order left pending", f)
		return out, false
	}
	if !c.ack(ctx, msg.ID) {
		return out, false
	}
	c.log.Debug("order entry acknowledged", flashguard.Fields{"id": msg.ID, "order": msg.OrderID, "outcome": out.String()})
	return out, true
}

// ownerReporter is the optional Locker extension lock.Redis provides.
type ownerReporter interface {
	Owner(ctx context.Context, resource string) (string, bool, error)
}

// lockHolder names the owner of a busy user lock, when the Locker can tell.
func (c *Consumer) lockHolder(ctx context.Context, userID int64) (string, bool) {
	r, ok := c.locker.(ownerReporter)
	if !ok {
		return "", false
	}
	owner, held, err := r.Owner(context.WithoutCancel(ctx), keys.OrderLock(userID))
	if err != nil || !held {
		return "", false
	}
	return owner, true
}

func (c *Consumer) safeProcess(ctx context.Context, msg Message) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessError{MessageID: msg.ID, OrderID: msg.OrderID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return c.Process(ctx, msg)
}

// Process commits one message under its user's lock without acknowledging it.
// It ignores ctx cancellation so a started commit is never cut short.
func (c *Consumer) Process(ctx context.Context, msg Message) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		out       Outcome
		commitErr error
	)
	acquired, err := lock.Do(ctx, c.locker, keys.OrderLock(msg.UserID), identity.NewOwnerID(), c.lockTTL,
		func(ctx context.Context) error {
			out, commitErr = c.commit(ctx, msg)
			return commitErr
		})

	switch {
	case commitErr != nil:
		return 0, &ProcessError{MessageID: msg.ID, OrderID: msg.OrderID, Err: commitErr}
	case !acquired && err != nil:
		return 0, &ProcessError{MessageID: msg.ID, OrderID: msg.OrderID, Err: err}
	case !acquired:
		return Abandoned, nil
	case err != nil:
		// committed; only the lease release failed and it will expire on its own
		c.log.Warn("order lock release failed", flashguard.Fields{"user": msg.UserID, "err": err})
	}
	return out, nil
}

func (c *Consumer) commit(ctx context.Context, msg Message) (Outcome, error) {
	st, err := c.store.GetStockAndOrderState(ctx, msg.VoucherID, msg.UserID)
	if err != nil {
		return 0, err
	}
	if st.AlreadyOrdered {
		return SkippedDuplicate, nil
	}

	res, err := c.store.CommitOrder(ctx, Order{
		ID:        msg.OrderID,
		UserID:    msg.UserID,
		VoucherID: msg.VoucherID,
		CreatedAt: msg.EnqueuedAt,
	})
	if err != nil {
		return 0, err
	}
	switch res {
	case CommitApplied:
		return Committed, nil
	case CommitDuplicate:
		return SkippedDuplicate, nil
	case CommitStockExhausted:
		c.log.Warn("durable stock exhausted for an admitted order", flashguard.Fields{
			"order": msg.OrderID, "voucher": msg.VoucherID, "user": msg.UserID, "stock": st.Stock,
		})
		return StockExhausted, nil
	}
	return 0, fmt.Errorf("orderqueue: unknown commit result %d", res)
}

func (c *Consumer) ack(ctx context.Context, id string) bool {
	if err := c.rdb.XAck(context.WithoutCancel(ctx), c.stream, c.group, id).Err(); err != nil {
		c.log.Error("ack failed; entry stays pending", flashguard.Fields{"id": id, "err": err})
		return false
	}
	return true
}

// Backlog is the number of entries delivered to this consumer and not yet acknowledged.
func (c *Consumer) Backlog(ctx context.Context) (int64, error) {
	p, err := c.rdb.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, &flashguard.StoreError{Op: "xpending", Key: c.stream, Err: err}
	}
	return p.Consumers[c.consumer], nil
}

func messages(streams []goredis.XStream) []goredis.XMessage {
	var out []goredis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
