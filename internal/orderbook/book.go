// Package orderbook accepts trading orders against a pool, reserves the
// capacity a sell order offers, and matches buys against sells with
// price-time priority.
//
// Each pool has its own book lock. PlaceOrder, Cancel, ExpireStale and a
// whole Match pass all run under it, so within a pool they observe a single
// order. The book lock is always taken before any ledger lock.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/energypool/pool-engine/internal/limits"
	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/store"
)

// DefaultTTL is used when an order is placed without a TTL.
const DefaultTTL = 15 * time.Minute

// Ledger is the part of the capacity ledger the book drives.
type Ledger interface {
	Pool(poolID string) (model.Pool, error)
	Pools() []model.Pool
	Reserve(ctx context.Context, poolID, orderID string, amount model.Capacity, ttl time.Duration) (model.Reservation, error)
	Release(ctx context.Context, reservationID string) error
}

// Settler turns a Pending transfer into a capacity movement. It updates buy
// and sell in place. On failure it leaves the transfer RolledBack, counts
// the failure on both orders and returns the cause.
type Settler interface {
	Execute(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error
}

// Book is the order book for every pool.
type Book struct {
	ledger     Ledger
	store      store.Store
	settler    Settler
	limiter    *limits.OrderLimiter
	defaultTTL time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	pools map[string]*poolBook
	index map[string]*poolBook
}

type poolBook struct {
	id     string
	mu     sync.Mutex
	orders map[string]*model.TradingOrder
}

// Option configures a Book.
type Option func(*Book)

// WithLimiter sets the order admission limits.
func WithLimiter(l *limits.OrderLimiter) Option {
	return func(b *Book) { b.limiter = l }
}

// WithDefaultTTL sets the TTL for orders placed without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(b *Book) {
		if ttl > 0 {
			b.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// New creates an order book.
func New(ledger Ledger, st store.Store, settler Settler, opts ...Option) *Book {
	b := &Book{
		ledger:     ledger,
		store:      st,
		settler:    settler,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		pools:      make(map[string]*poolBook),
		index:      make(map[string]*poolBook),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore loads every pool's open orders from the store. Closed orders
// stay in the store only.
func (b *Book) Restore(ctx context.Context) error {
	n := 0
	for _, p := range b.ledger.Pools() {
		orders, err := b.store.ListOrders(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("orderbook: list orders of %s: %w", p.ID, err)
		}
		pb := b.poolBook(p.ID)
		pb.mu.Lock()
		for i := range orders {
			if !orders[i].Open() {
				continue
			}
			n++
			o := orders[i].Clone()
			pb.orders[o.ID] = o
			b.mu.Lock()
			b.index[o.ID] = pb
			b.mu.Unlock()
		}
		pb.mu.Unlock()
	}
	slog.Info("order book restored", "orders", n)
	return b.recoverPending(ctx)
}

// PlaceRequest is a new trading order.
type PlaceRequest struct {
	PoolID     string
	Side       model.Side
	Quantity   model.Capacity
	LimitPrice decimal.Decimal
	TTL        time.Duration
}

// PlaceOrder validates and records an order. A sell order reserves its
// full quantity from the pool's available capacity first; a buy reserves
// nothing until it is matched against a sell's held capacity.
func (b *Book) PlaceOrder(ctx context.Context, req PlaceRequest) (order model.TradingOrder, err error) {
	defer func() {
		if err != nil {
			metrics.OrderRejections.WithLabelValues(model.KindOf(err).String()).Inc()
		}
	}()

	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return model.TradingOrder{}, model.Errorf(model.KindInvalidQuantity, "unknown side").WithPool(req.PoolID)
	}
	if req.Quantity <= 0 {
		return model.TradingOrder{}, model.Errorf(model.KindInvalidQuantity,
			"quantity %s must be positive", req.Quantity).WithPool(req.PoolID)
	}
	if req.LimitPrice.IsNegative() {
		return model.TradingOrder{}, model.Errorf(model.KindInvalidPrice,
			"limit price %s is negative", req.LimitPrice).WithPool(req.PoolID)
	}
	pool, err := b.ledger.Pool(req.PoolID)
	if err != nil {
		return model.TradingOrder{}, err
	}
	if pool.State != model.PoolActive {
		return model.TradingOrder{}, model.Errorf(model.KindInvalidState, "pool is %s", pool.State).WithPool(req.PoolID)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.defaultTTL
	}

	pb := b.poolBook(req.PoolID)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if err := b.limiter.CheckLimit(req.Quantity, pb.openCount()); err != nil {
		kind := model.KindInvalidState
		if errors.Is(err, limits.ErrQuantityLimitExceeded) {
			kind = model.KindInvalidQuantity
		}
		return model.TradingOrder{}, (&model.Error{Kind: kind, Err: err}).WithPool(req.PoolID)
	}

	now := b.now().UTC()
	o := &model.TradingOrder{
		ID:         model.NewID(),
		PoolID:     req.PoolID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		State:      model.OrderPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}

	var res model.Reservation
	if o.Side == model.SideSell {
		res, err = b.ledger.Reserve(ctx, o.PoolID, o.ID, o.Quantity, ttl)
		if err != nil {
			return model.TradingOrder{}, err
		}
		o.ReservationIDs = []string{res.ID}
		o.ExpiresAt = res.ExpiresAt
	}

	if err := b.store.SaveOrder(ctx, o); err != nil {
		if res.ID != "" {
			if rerr := b.ledger.Release(ctx, res.ID); rerr != nil {
				slog.Error("release after failed order save", "order_id", o.ID, "reservation_id", res.ID, "err", rerr)
			}
		}
		return model.TradingOrder{}, fmt.Errorf("orderbook: save order: %w", err)
	}

	pb.orders[o.ID] = o
	b.mu.Lock()
	b.index[o.ID] = pb
	b.mu.Unlock()

	metrics.OrdersTotal.WithLabelValues(o.Side.String()).Inc()
	slog.Info("order placed",
		"order_id", o.ID,
		"pool_id", o.PoolID,
		"side", o.Side.String(),
		"quantity_mw", o.Quantity.String(),
		"limit_price", o.LimitPrice.String(),
	)
	return *o.Clone(), nil
}

// Cancel closes a Pending or PartiallyFilled order and releases its held
// reservations.
func (b *Book) Cancel(ctx context.Context, orderID string) (model.TradingOrder, error) {
	pb, err := b.orderBook(orderID)
	if err != nil {
		return model.TradingOrder{}, err
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()

	o := pb.orders[orderID]
	if !o.Open() {
		return model.TradingOrder{}, model.Errorf(model.KindInvalidState,
			"order is %s", o.State).WithPool(o.PoolID).WithOrder(o.ID)
	}
	if err := b.closeLocked(ctx, o, model.OrderCancelled); err != nil {
		return model.TradingOrder{}, err
	}
	slog.Info("order cancelled", "order_id", o.ID, "pool_id", o.PoolID)
	return *o.Clone(), nil
}

// ExpireStale marks every open order of the pool whose TTL has passed as
// Expired and releases its reservations. It returns the number expired.
func (b *Book) ExpireStale(ctx context.Context, poolID string) (int, error) {
	pb := b.existingPoolBook(poolID)
	if pb == nil {
		return 0, nil
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := b.now()
	var errs []error
	n := 0
	for _, o := range pb.sorted() {
		if !o.Open() || now.Before(o.ExpiresAt) {
			continue
		}
		if err := b.closeLocked(ctx, o, model.OrderExpired); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		metrics.OrdersExpired.Add(float64(n))
		slog.Info("stale orders expired", "pool_id", poolID, "count", n)
	}
	return n, errors.Join(errs...)
}

// closeLocked persists the terminal state first, then releases held
// reservations. A release that fails is left for the sweeper, which
// reclaims the reservation once its TTL passes.
func (b *Book) closeLocked(ctx context.Context, o *model.TradingOrder, state model.OrderState) error {
	if !o.State.CanTransition(state) {
		return model.Errorf(model.KindInvalidState,
			"order cannot move from %s to %s", o.State, state).WithPool(o.PoolID).WithOrder(o.ID)
	}
	next := o.Clone()
	next.State = state
	next.UpdatedAt = b.now().UTC()
	if err := b.store.SaveOrder(ctx, next); err != nil {
		return fmt.Errorf("orderbook: save order %s: %w", o.ID, err)
	}
	*o = *next

	for _, id := range o.ReservationIDs {
		err := b.ledger.Release(ctx, id)
		if err != nil && !errors.Is(err, model.ErrInvalidState) && !errors.Is(err, model.ErrNotFound) {
			slog.Error("release reservation of closed order",
				"order_id", o.ID, "reservation_id", id, "err", err)
		}
	}
	return nil
}

// --- Reads ---

// Order returns a snapshot of one order.
func (b *Book) Order(orderID string) (model.TradingOrder, error) {
	pb, err := b.orderBook(orderID)
	if err != nil {
		return model.TradingOrder{}, err
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return *pb.orders[orderID].Clone(), nil
}

// Orders returns the pool's orders held in memory, in arrival order: every
// open order plus those closed since the last restore.
func (b *Book) Orders(poolID string) []model.TradingOrder {
	pb := b.existingPoolBook(poolID)
	if pb == nil {
		return []model.TradingOrder{}
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()

	sorted := pb.sorted()
	result := make([]model.TradingOrder, 0, len(sorted))
	for _, o := range sorted {
		result = append(result, *o.Clone())
	}
	return result
}

// Fills returns the executed transfers an order took part in. The order
// may be one closed before the last restart.
func (b *Book) Fills(ctx context.Context, orderID string) ([]model.Transfer, error) {
	if _, err := b.orderBook(orderID); err != nil {
		if _, serr := b.store.GetOrder(ctx, orderID); serr != nil {
			if errors.Is(serr, store.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("orderbook: get order: %w", serr)
		}
	}
	return b.store.ListTransfers(ctx, model.TransferFilter{OrderID: orderID, State: model.TransferExecuted})
}

func (b *Book) poolBook(poolID string) *poolBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb, ok := b.pools[poolID]
	if !ok {
		pb = &poolBook{id: poolID, orders: make(map[string]*model.TradingOrder)}
		b.pools[poolID] = pb
	}
	return pb
}

func (b *Book) existingPoolBook(poolID string) *poolBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pools[poolID]
}

func (b *Book) orderBook(orderID string) (*poolBook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pb, ok := b.index[orderID]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unknown order").WithOrder(orderID)
	}
	return pb, nil
}

func (pb *poolBook) openCount() int {
	n := 0
	for _, o := range pb.orders {
		if o.Open() {
			n++
		}
	}
	return n
}

// sorted returns the pool's orders by createdAt, then id.
func (pb *poolBook) sorted() []*model.TradingOrder {
	orders := make([]*model.TradingOrder, 0, len(pb.orders))
	for _, o := range pb.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return earlier(orders[i], orders[j]) })
	return orders
}

// earlier reports whether a arrived before b: by createdAt, then by id.
func earlier(a, b *model.TradingOrder) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
