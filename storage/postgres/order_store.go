// Package postgres is the durable side of the order pipeline on pgx.
//
// Expected tables (names configurable):
//
//	tb_seckill_voucher(voucher_id bigint primary key, stock int, begin_time timestamptz, end_time timestamptz)
//	tb_voucher_order(id bigint primary key, user_id bigint, voucher_id bigint, create_time timestamptz,
//	                 unique (user_id, voucher_id))
//
// The unique constraint is what turns a replayed commit into CommitDuplicate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/flashguard/orderqueue"
)

const (
	DefaultVoucherTable = "tb_seckill_voucher"
	DefaultOrderTable   = "tb_voucher_order"
)

type Options struct {
	VoucherTable string // "" => tb_seckill_voucher
	OrderTable   string // "" => tb_voucher_order
}

type OrderStore struct {
	pool *pgxpool.Pool

	stateSQL     string
	decrementSQL string
	insertSQL    string
	voucherSQL   string
	listSQL      string
}

var _ orderqueue.OrderStore = (*OrderStore)(nil)

func NewOrderStore(pool *pgxpool.Pool, opts Options) *OrderStore {
	vt := ident(coalesce(opts.VoucherTable, DefaultVoucherTable))
	ot := ident(coalesce(opts.OrderTable, DefaultOrderTable))
	return &OrderStore{
		pool: pool,
		stateSQL: `
SELECT COALESCE((SELECT stock FROM ` + vt + ` WHERE voucher_id = $1), 0),
       EXISTS (SELECT 1 FROM ` + ot + ` WHERE user_id = $2 AND voucher_id = $1)`,
		decrementSQL: `UPDATE ` + vt + ` SET stock = stock - 1 WHERE voucher_id = $1 AND stock > 0`,
		insertSQL: `
INSERT INTO ` + ot + ` (id, user_id, voucher_id, create_time)
VALUES ($1, $2, $3, $4)`,
		voucherSQL: `SELECT voucher_id, stock, begin_time, end_time FROM ` + vt + ` WHERE voucher_id = $1`,
		listSQL: `
SELECT voucher_id, stock, begin_time, end_time
FROM ` + vt + `
WHERE end_time > $1
ORDER BY voucher_id`,
	}
}

func (s *OrderStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// GetStockAndOrderState reports stock 0 for an unknown voucher.
func (s *OrderStore) GetStockAndOrderState(ctx context.Context, voucherID, userID int64) (orderqueue.State, error) {
	var st orderqueue.State
	if err := s.queryRow(ctx, s.stateSQL, voucherID, userID).Scan(&st.Stock, &st.AlreadyOrdered); err != nil {
		return orderqueue.State{}, fmt.Errorf("get order state: %w", err)
	}
	return st, nil
}

// CommitOrder decrements stock with a "stock > 0" guard and inserts the order
// in one transaction. Business outcomes roll back and return a nil error.
func (s *OrderStore) CommitOrder(ctx context.Context, o orderqueue.Order) (orderqueue.CommitResult, error) {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var res orderqueue.CommitResult
	err := s.WithTx(ctx, func(ctx context.Context) error {
		tag, err := s.exec(ctx, s.decrementSQL, o.VoucherID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res = orderqueue.CommitStockExhausted
			return errRollback
		}
		if _, err := s.exec(ctx, s.insertSQL, int64(o.ID), o.UserID, o.VoucherID, createdAt); err != nil {
			if isUniqueViolation(err) {
				res = orderqueue.CommitDuplicate
				return errRollback
			}
			return fmt.Errorf("insert order: %w", err)
		}
		res = orderqueue.CommitApplied
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return 0, err
	}
	return res, nil
}

func (s *OrderStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *OrderStore) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *OrderStore) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

func coalesce(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
