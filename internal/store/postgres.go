package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/energypool/pool-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Capacity is stored as BIGINT milliwatts and prices as NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) SaveLedger(ctx context.Context, p *model.Pool, reservations ...*model.Reservation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertPool(ctx, tx, p); err != nil {
			return err
		}
		for _, r := range reservations {
			if err := upsertReservation(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPool(ctx context.Context, db execer, p *model.Pool) error {
	_, err := db.Exec(ctx,
		`INSERT INTO pools (id, name, total_capacity, available_capacity, reserved_capacity,
		                    utilized_capacity, state, created_at, retired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     total_capacity = EXCLUDED.total_capacity,
		     available_capacity = EXCLUDED.available_capacity,
		     reserved_capacity = EXCLUDED.reserved_capacity,
		     utilized_capacity = EXCLUDED.utilized_capacity,
		     state = EXCLUDED.state,
		     retired_at = EXCLUDED.retired_at`,
		p.ID, p.Name, int64(p.Total), int64(p.Available), int64(p.Reserved),
		int64(p.Utilized), p.State.String(), p.CreatedAt, p.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", p.ID, err)
	}
	return nil
}

func upsertReservation(ctx context.Context, db execer, r *model.Reservation) error {
	_, err := db.Exec(ctx,
		`INSERT INTO reservations (id, pool_id, order_id, amount, committed, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     committed = EXCLUDED.committed,
		     state = EXCLUDED.state`,
		r.ID, r.PoolID, r.OrderID, int64(r.Amount), int64(r.Committed),
		r.State.String(), r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save reservation %s: %w", r.ID, err)
	}
	return nil
}

const poolColumns = `id, name, total_capacity, available_capacity, reserved_capacity,
	utilized_capacity, state, created_at, retired_at`

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var total, avail, reserved, utilized int64
	var state string
	if err := row.Scan(&p.ID, &p.Name, &total, &avail, &reserved, &utilized,
		&state, &p.CreatedAt, &p.RetiredAt); err != nil {
		return nil, err
	}
	p.Total = model.Capacity(total)
	p.Available = model.Capacity(avail)
	p.Reserved = model.Capacity(reserved)
	p.Utilized = model.Capacity(utilized)
	if err := p.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) ListReservations(ctx context.Context, poolID string) ([]model.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, order_id, amount, committed, state, created_at, expires_at
		 FROM reservations WHERE pool_id = $1 ORDER BY id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Reservation
	for rows.Next() {
		var r model.Reservation
		var amount, committed int64
		var state string
		if err := rows.Scan(&r.ID, &r.PoolID, &r.OrderID, &amount, &committed,
			&state, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		r.Amount = model.Capacity(amount)
		r.Committed = model.Capacity(committed)
		if err := r.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.TradingOrder) error {
	return upsertOrder(ctx, s.pool, o)
}

func upsertOrder(ctx context.Context, db execer, o *model.TradingOrder) error {
	ids := o.ReservationIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := db.Exec(ctx,
		`INSERT INTO trading_orders (id, pool_id, side, quantity, limit_price, filled_quantity,
		                             state, reservation_ids, settle_failures, created_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		     filled_quantity = EXCLUDED.filled_quantity,
		     state = EXCLUDED.state,
		     reservation_ids = EXCLUDED.reservation_ids,
		     settle_failures = EXCLUDED.settle_failures,
		     updated_at = EXCLUDED.updated_at`,
		o.ID, o.PoolID, o.Side.String(), int64(o.Quantity), o.LimitPrice.String(),
		int64(o.FilledQuantity), o.State.String(), ids, o.SettleFailures,
		o.CreatedAt, o.ExpiresAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `id, pool_id, side, quantity, limit_price::TEXT, filled_quantity,
	state, reservation_ids, settle_failures, created_at, expires_at, updated_at`

func scanOrder(row pgx.Row) (*model.TradingOrder, error) {
	var o model.TradingOrder
	var side, price, state string
	var qty, filled int64
	if err := row.Scan(&o.ID, &o.PoolID, &side, &qty, &price, &filled,
		&state, &o.ReservationIDs, &o.SettleFailures,
		&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Quantity = model.Capacity(qty)
	o.FilledQuantity = model.Capacity(filled)
	o.LimitPrice, _ = decimal.NewFromString(price)
	if err := o.Side.UnmarshalText([]byte(side)); err != nil {
		return nil, err
	}
	if err := o.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.TradingOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, notFound(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, poolID string) ([]model.TradingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM trading_orders WHERE pool_id = $1 ORDER BY created_at, id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.TradingOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SaveTransfer(ctx context.Context, t *model.Transfer) error {
	return upsertTransfer(ctx, s.pool, t)
}

func (s *PostgresStore) SaveSettlement(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertOrder(ctx, tx, buy); err != nil {
			return err
		}
		if err := upsertOrder(ctx, tx, sell); err != nil {
			return err
		}
		return upsertTransfer(ctx, tx, t)
	})
}

func upsertTransfer(ctx context.Context, db execer, t *model.Transfer) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transfers (id, pool_id, buy_order_id, sell_order_id, reservation_id,
		                        amount, price, state, fail_reason, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     state = EXCLUDED.state,
		     fail_reason = EXCLUDED.fail_reason,
		     settled_at = EXCLUDED.settled_at`,
		t.ID, t.PoolID, t.BuyOrderID, t.SellOrderID, t.ReservationID,
		int64(t.Amount), t.Price.String(), t.State.String(), t.FailReason,
		t.CreatedAt, t.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %s: %w", t.ID, err)
	}
	return nil
}

const transferColumns = `id, pool_id, buy_order_id, sell_order_id, reservation_id,
	amount, price::TEXT, state, fail_reason, created_at, settled_at`

func scanTransfer(row pgx.Row) (*model.Transfer, error) {
	var t model.Transfer
	var amount int64
	var price, state string
	if err := row.Scan(&t.ID, &t.PoolID, &t.BuyOrderID, &t.SellOrderID, &t.ReservationID,
		&amount, &price, &state, &t.FailReason, &t.CreatedAt, &t.SettledAt); err != nil {
		return nil, err
	}
	t.Amount = model.Capacity(amount)
	t.Price, _ = decimal.NewFromString(price)
	if err := t.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, notFound(err))
	}
	return t, nil
}

func (s *PostgresStore) ListTransfers(ctx context.Context, f model.TransferFilter) ([]model.Transfer, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PoolID != "" {
		add("pool_id = $%d", f.PoolID)
	}
	if f.OrderID != "" {
		args = append(args, f.OrderID)
		where = append(where, fmt.Sprintf("(buy_order_id = $%d OR sell_order_id = $%d)", len(args), len(args)))
	}
	if f.State != model.TransferUnknown {
		add("state = $%d", f.State.String())
	}
	if !f.Since.IsZero() {
		add("COALESCE(settled_at, created_at) >= $%d", f.Since)
	}

	q := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY COALESCE(settled_at, created_at), id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
