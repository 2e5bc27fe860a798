package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/energypool/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single orders and transfers, the records the API reads by id
// from the store. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary. Pool counters are
// served by the ledger and never read through the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveLedger(ctx context.Context, p *model.Pool, reservations ...*model.Reservation) error {
	return s.primary.SaveLedger(ctx, p, reservations...)
}

func (s *CachedStore) SaveOrder(ctx context.Context, o *model.TradingOrder) error {
	if err := s.primary.SaveOrder(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(o.ID))
	return nil
}

func (s *CachedStore) SaveTransfer(ctx context.Context, t *model.Transfer) error {
	if err := s.primary.SaveTransfer(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, transferKey(t.ID))
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error {
	if err := s.primary.SaveSettlement(ctx, t, buy, sell); err != nil {
		return err
	}
	s.rdb.Del(ctx, transferKey(t.ID), orderKey(buy.ID), orderKey(sell.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.TradingOrder, error) {
	var o model.TradingOrder
	if s.cached(ctx, orderKey(id), &o) {
		return &o, nil
	}

	order, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, orderKey(id), order)
	return order, nil
}

func (s *CachedStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	var t model.Transfer
	if s.cached(ctx, transferKey(id), &t) {
		return &t, nil
	}

	transfer, err := s.primary.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, transferKey(id), transfer)
	return transfer, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListReservations(ctx context.Context, poolID string) ([]model.Reservation, error) {
	return s.primary.ListReservations(ctx, poolID)
}

func (s *CachedStore) ListOrders(ctx context.Context, poolID string) ([]model.TradingOrder, error) {
	return s.primary.ListOrders(ctx, poolID)
}

func (s *CachedStore) ListTransfers(ctx context.Context, f model.TransferFilter) ([]model.Transfer, error) {
	return s.primary.ListTransfers(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }
func transferKey(id string) string { return fmt.Sprintf("transfer:%s", id) }
