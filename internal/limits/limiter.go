// Package limits implements admission limits for trading orders.
//
// A pool's order book is bounded in two ways: a single order may not ask
// for more than MaxQuantity, and a pool may not hold more than
// MaxOpenOrders orders that are still pending or partially filled.
package limits

import (
	"errors"

	"github.com/energypool/pool-engine/internal/model"
)

var (
	// ErrQuantityLimitExceeded is returned when an order asks for more
	// capacity than a single order may carry.
	ErrQuantityLimitExceeded = errors.New("limits: order quantity limit exceeded")

	// ErrOpenOrderLimitExceeded is returned when a pool already holds the
	// maximum number of open orders.
	ErrOpenOrderLimitExceeded = errors.New("limits: open order limit exceeded")
)

// OrderLimiter enforces per-order and per-pool limits. A zero field
// disables that limit.
type OrderLimiter struct {
	// MaxQuantity is the largest quantity a single order may carry.
	MaxQuantity model.Capacity

	// MaxOpenOrders is the largest number of open orders in one pool.
	MaxOpenOrders int
}

// NewOrderLimiter creates a limiter with the given bounds.
func NewOrderLimiter(maxQuantity model.Capacity, maxOpenOrders int) *OrderLimiter {
	if maxQuantity < 0 {
		maxQuantity = 0
	}
	if maxOpenOrders < 0 {
		maxOpenOrders = 0
	}
	return &OrderLimiter{
		MaxQuantity:   maxQuantity,
		MaxOpenOrders: maxOpenOrders,
	}
}

// CheckLimit validates a new order of quantity against a pool that already
// holds openOrders open orders. A nil limiter allows everything.
func (l *OrderLimiter) CheckLimit(quantity model.Capacity, openOrders int) error {
	if l == nil {
		return nil
	}
	if l.MaxQuantity > 0 && quantity > l.MaxQuantity {
		return ErrQuantityLimitExceeded
	}
	if l.MaxOpenOrders > 0 && openOrders >= l.MaxOpenOrders {
		return ErrOpenOrderLimitExceeded
	}
	return nil
}
