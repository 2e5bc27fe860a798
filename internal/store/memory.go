package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/energypool/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	pools        map[string]*model.Pool
	reservations map[string]*model.Reservation
	orders       map[string]*model.TradingOrder
	transfers    map[string]*model.Transfer
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:        make(map[string]*model.Pool),
		reservations: make(map[string]*model.Reservation),
		orders:       make(map[string]*model.TradingOrder),
		transfers:    make(map[string]*model.Transfer),
	}
}

func (s *MemoryStore) SaveLedger(_ context.Context, p *model.Pool, reservations ...*model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store copies to avoid external mutation.
	cp := *p
	s.pools[p.ID] = &cp
	for _, r := range reservations {
		rc := *r
		s.reservations[r.ID] = &rc
	}
	return nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.Before(pools[j].CreatedAt) })
	return pools, nil
}

func (s *MemoryStore) ListReservations(_ context.Context, poolID string) ([]model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Reservation
	for _, r := range s.reservations {
		if r.PoolID == poolID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.TradingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.TradingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, poolID string) ([]model.TradingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradingOrder
	for _, o := range s.orders {
		if o.PoolID == poolID {
			result = append(result, *o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) SaveTransfer(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.transfers[t.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.transfers[t.ID] = &cp
	s.orders[buy.ID] = buy.Clone()
	s.orders[sell.ID] = sell.Clone()
	return nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, f model.TransferFilter) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for _, t := range s.transfers {
		if f.Match(t) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].FeedTime(), result[j].FeedTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}
