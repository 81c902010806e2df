package orderqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Message is one admitted order as appended by the admission script.
type Message struct {
	ID         string // stream entry id
	OrderID    uint64
	UserID     int64
	VoucherID  int64
	EnqueuedAt time.Time
}

// Order is what the durable store materializes.
type Order struct {
	ID        uint64
	UserID    int64
	VoucherID int64
	CreatedAt time.Time
}

// State is the durable view of a (voucher, user) pair.
type State struct {
	Stock          int64
	AlreadyOrdered bool
}

type CommitResult uint8

const (
	CommitApplied CommitResult = iota + 1
	// CommitStockExhausted: the guarded decrement matched no row.
	CommitStockExhausted
	// CommitDuplicate: the order row already existed (unique violation).
	CommitDuplicate
)

// OrderStore is the durable side of the pipeline. CommitOrder must decrement
// stock with a "stock > 0" guard and insert the order in one transaction.
type OrderStore interface {
	GetStockAndOrderState(ctx context.Context, voucherID, userID int64) (State, error)
	CommitOrder(ctx context.Context, o Order) (CommitResult, error)
}

// Outcome of processing one delivery. The zero value is not a valid outcome.
type Outcome uint8

const (
	Committed Outcome = iota + 1
	SkippedDuplicate
	StockExhausted // acked; admission should have prevented it
	Abandoned      // user lock busy; left pending for redelivery
	Discarded      // unparseable entry; acked and dropped
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case StockExhausted:
		return "stock_exhausted"
	case Abandoned:
		return "abandoned"
	case Discarded:
		return "discarded"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// ProcessError is a failed durable-storage step. The message stays pending.
type ProcessError struct {
	MessageID string
	OrderID   uint64
	Err       error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("orderqueue: process %s (order %d): %v", e.MessageID, e.OrderID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func parseMessage(x goredis.XMessage) (Message, error) {
	str := func(name string) (string, error) {
		v, ok := x.Values[name].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("orderqueue: entry %s: missing field %q", x.ID, name)
		}
		return v, nil
	}

	m := Message{ID: x.ID}
	s, err := str("orderId")
	if err != nil {
		return Message{}, err
	}
	if m.OrderID, err = strconv.ParseUint(s, 10, 64); err != nil {
		return Message{}, fmt.Errorf("orderqueue: entry %s: orderId: %w", x.ID, err)
	}
	if s, err = str("userId"); err != nil {
		return Message{}, err
	}
	if m.UserID, err = strconv.ParseInt(s, 10, 64); err != nil {
		return Message{}, fmt.Errorf("orderqueue: entry %s: userId: %w", x.ID, err)
	}
	if s, err = str("voucherId"); err != nil {
		return Message{}, err
	}
	if m.VoucherID, err = strconv.ParseInt(s, 10, 64); err != nil {
		return Message{}, fmt.Errorf("orderqueue: entry %s: voucherId: %w", x.ID, err)
	}

	// enqueueTime is optional; older producers did not write it
	if s, ok := x.Values["enqueueTime"].(string); ok && s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("orderqueue: entry %s: enqueueTime: %w", x.ID, err)
		}
		m.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return m, nil
}
