// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/energypool/pool-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every write that touches pool
// counters goes through SaveLedger so the counters and the reservations
// they account for land in one transaction.
type Store interface {
	// --- Capacity ledger ---

	// SaveLedger upserts a pool and any reservations changed with it.
	SaveLedger(ctx context.Context, pool *model.Pool, reservations ...*model.Reservation) error

	// ListPools returns all pools, retired ones included.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// ListReservations returns every reservation of a pool.
	ListReservations(ctx context.Context, poolID string) ([]model.Reservation, error)

	// --- Order book ---

	// SaveOrder upserts a trading order.
	SaveOrder(ctx context.Context, order *model.TradingOrder) error

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.TradingOrder, error)

	// ListOrders returns all orders of a pool ordered by creation.
	ListOrders(ctx context.Context, poolID string) ([]model.TradingOrder, error)

	// --- Settlement ---

	// SaveTransfer upserts a transfer.
	SaveTransfer(ctx context.Context, t *model.Transfer) error

	// SaveSettlement persists an executed transfer together with both
	// filled orders.
	SaveSettlement(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error

	// GetTransfer retrieves a transfer by its ID.
	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)

	// ListTransfers returns transfers matching the filter, oldest first.
	ListTransfers(ctx context.Context, f model.TransferFilter) ([]model.Transfer, error)
}
