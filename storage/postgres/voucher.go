package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unkn0wn-root/flashguard"
)

// Voucher is the flash-sale row. It doubles as the cached record.
type Voucher struct {
	ID        int64     `json:"id" msgpack:"id" cbor:"id"`
	Stock     int64     `json:"stock" msgpack:"stock" cbor:"stock"`
	BeginTime time.Time `json:"beginTime" msgpack:"beginTime" cbor:"beginTime"`
	EndTime   time.Time `json:"endTime" msgpack:"endTime" cbor:"endTime"`
}

// GetVoucher returns ok=false when the voucher does not exist.
func (s *OrderStore) GetVoucher(ctx context.Context, id int64) (Voucher, bool, error) {
	var v Voucher
	err := s.queryRow(ctx, s.voucherSQL, id).Scan(&v.ID, &v.Stock, &v.BeginTime, &v.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Voucher{}, false, nil
	}
	if err != nil {
		return Voucher{}, false, fmt.Errorf("get voucher: %w", err)
	}
	return v, true, nil
}

// ListVouchers returns vouchers whose sale has not ended at now.
func (s *OrderStore) ListVouchers(ctx context.Context, now time.Time) ([]Voucher, error) {
	rows, err := s.query(ctx, s.listSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Voucher, error) {
		var v Voucher
		err := row.Scan(&v.ID, &v.Stock, &v.BeginTime, &v.EndTime)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	return out, nil
}

// VoucherLoader adapts GetVoucher to a cache loader keyed by the decimal id.
func VoucherLoader(s *OrderStore) flashguard.Loader[Voucher] {
	return func(ctx context.Context, key string) (Voucher, bool, error) {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			// not a voucher id; remember it as absent
			return Voucher{}, false, nil
		}
		return s.GetVoucher(ctx, id)
	}
}
