// Package admission decides, in one Redis script, whether a user may buy a
// flash-sale voucher. The script checks the stock mirror, rejects users
// already recorded for the voucher, decrements, records the user and appends
// the order message to the stream. No other caller can observe a state in
// between.
//
// The stock mirror (seckill:stock:<id>) is owned by whoever seeds it from
// durable storage; see SeedStock.
package admission

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flashguard"
	"github.com/unkn0wn-root/flashguard/identity"
	"github.com/unkn0wn-root/flashguard/internal/keys"
)

const (
	DefaultStream      = "stream.orders"
	DefaultIDNamespace = "order"
)

var ErrNilClient = errors.New("admission: nil client")

//go:embed seckill.lua
var seckillSrc string

var seckill = goredis.NewScript(seckillSrc)

// Outcome of an admission attempt. The zero value is not a valid outcome.
type Outcome uint8

const (
	Admitted Outcome = iota + 1
	OutOfStock
	Duplicate
)

// Code is the externally reported status: 0 admitted, 1 out of stock, 2 duplicate.
func (o Outcome) Code() int {
	switch o {
	case Admitted:
		return 0
	case OutOfStock:
		return 1
	case Duplicate:
		return 2
	}
	return -1
}

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case OutOfStock:
		return "out_of_stock"
	case Duplicate:
		return "duplicate"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

func outcomeFromCode(code int64) (Outcome, error) {
	switch code {
	case 0:
		return Admitted, nil
	case 1:
		return OutOfStock, nil
	case 2:
		return Duplicate, nil
	}
	return 0, fmt.Errorf("admission: unexpected script result %d", code)
}

// IDSource mints order ids; idgen.Generator implements it.
type IDSource interface {
	Next(ctx context.Context, namespace string) (uint64, error)
}

type Options struct {
	Stream      string           // "" => "stream.orders"
	IDNamespace string           // "" => "order"
	Now         func() time.Time // stamps enqueueTime; nil => time.Now
	Logger      flashguard.Logger
}

type Controller struct {
	rdb    goredis.UniversalClient
	ids    IDSource
	stream string
	idNS   string
	now    func() time.Time
	log    flashguard.Logger
}

func New(rdb goredis.UniversalClient, ids IDSource, opts Options) (*Controller, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if ids == nil {
		return nil, errors.New("admission: id source is required")
	}
	c := &Controller{
		rdb:    rdb,
		ids:    ids,
		stream: opts.Stream,
		idNS:   opts.IDNamespace,
		now:    opts.Now,
		log:    opts.Logger,
	}
	if c.stream == "" {
		c.stream = DefaultStream
	}
	if c.idNS == "" {
		c.idNS = DefaultIDNamespace
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = flashguard.NopLogger{}
	}
	return c, nil
}

// Reserve runs the admission script for an already minted orderID.
func (c *Controller) Reserve(ctx context.Context, voucherID, userID int64, orderID uint64) (Outcome, error) {
	stockKey := keys.Stock(voucherID)
	res, err := seckill.Run(ctx, c.rdb,
		[]string{stockKey, keys.OrderSet(voucherID), c.stream},
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(voucherID, 10),
		strconv.FormatUint(orderID, 10),
		strconv.FormatInt(c.now().UnixMilli(), 10),
	).Int64()
	if err != nil {
		return 0, &flashguard.StoreError{Op: "admit", Key: stockKey, Err: err}
	}
	return outcomeFromCode(res)
}

// TryAdmit mints an order id and reserves. orderID is 0 unless the outcome
// is Admitted. The order itself is materialized later by the queue consumer.
func (c *Controller) TryAdmit(ctx context.Context, voucherID, userID int64) (uint64, Outcome, error) {
	orderID, err := c.ids.Next(ctx, c.idNS)
	if err != nil {
		return 0, 0, err
	}
	out, err := c.Reserve(ctx, voucherID, userID, orderID)
	if err != nil {
		return 0, 0, err
	}
	if out != Admitted {
		c.log.Debug("admission rejected", flashguard.Fields{"voucher": voucherID, "user": userID, "outcome": out.String()})
		return 0, out, nil
	}
	return orderID, out, nil
}

// AdmitCaller is TryAdmit for the user carried by ctx.
func (c *Controller) AdmitCaller(ctx context.Context, voucherID int64) (uint64, Outcome, error) {
	userID, ok := identity.UserFrom(ctx)
	if !ok {
		return 0, 0, flashguard.ErrNoIdentity
	}
	return c.TryAdmit(ctx, voucherID, userID)
}

// SeedStock writes the stock mirror only when it is absent, so reseeding
// never resurrects stock that admissions already consumed.
func (c *Controller) SeedStock(ctx context.Context, voucherID, stock int64) (bool, error) {
	k := keys.Stock(voucherID)
	ok, err := c.rdb.SetNX(ctx, k, stock, 0).Result()
	if err != nil {
		return false, &flashguard.StoreError{Op: "seed stock", Key: k, Err: err}
	}
	if ok {
		c.log.Info("stock mirror seeded", flashguard.Fields{"voucher": voucherID, "stock": stock})
	}
	return ok, nil
}

// Stock reads the mirror. ok=false when it was never seeded.
func (c *Controller) Stock(ctx context.Context, voucherID int64) (int64, bool, error) {
	k := keys.Stock(voucherID)
	n, err := c.rdb.Get(ctx, k).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &flashguard.StoreError{Op: "stock", Key: k, Err: err}
	}
	return n, true, nil
}
