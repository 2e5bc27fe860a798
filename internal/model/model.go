// Package model defines the core domain types shared across the pool engine.
// Capacity is fixed-point milliwatts; prices use shopspring/decimal. Neither
// is ever float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxSettleAttempts bounds how many failed settlements an order survives
// before it is cancelled.
const MaxSettleAttempts = 3

// Pool is one capacity domain. Its four counters are mutated only by the
// ledger.
type Pool struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Total     Capacity   `json:"total_capacity" db:"total_capacity"`
	Available Capacity   `json:"available_capacity" db:"available_capacity"`
	Reserved  Capacity   `json:"reserved_capacity" db:"reserved_capacity"`
	Utilized  Capacity   `json:"utilized_capacity" db:"utilized_capacity"`
	State     PoolState  `json:"state" db:"state"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty" db:"retired_at"`
}

// CheckInvariant reports whether available+reserved+utilized == total with
// every counter non-negative.
func (p *Pool) CheckInvariant() error {
	if p.Total < 0 || p.Available < 0 || p.Reserved < 0 || p.Utilized < 0 {
		return Errorf(KindInvariantViolation,
			"negative counter total=%s available=%s reserved=%s utilized=%s",
			p.Total, p.Available, p.Reserved, p.Utilized).WithPool(p.ID)
	}
	if p.Available+p.Reserved+p.Utilized != p.Total {
		return Errorf(KindInvariantViolation,
			"available %s + reserved %s + utilized %s != total %s",
			p.Available, p.Reserved, p.Utilized, p.Total).WithPool(p.ID)
	}
	return nil
}

// Reservation is an exclusive, time-bounded claim on a pool's available
// capacity. Committed tracks the portion already moved to utilized.
type Reservation struct {
	ID        string           `json:"id" db:"id"`
	PoolID    string           `json:"pool_id" db:"pool_id"`
	OrderID   string           `json:"order_id" db:"order_id"`
	Amount    Capacity         `json:"amount" db:"amount"`
	Committed Capacity         `json:"committed" db:"committed"`
	State     ReservationState `json:"state" db:"state"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt time.Time        `json:"expires_at" db:"expires_at"`
}

// Held returns the part of the reservation still counted as reserved.
func (r *Reservation) Held() Capacity {
	if r.State != ReservationHeld {
		return 0
	}
	return r.Amount - r.Committed
}

// Expired reports whether the reservation's TTL has passed at now.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TradingOrder is a standing request to buy or sell pool capacity.
type TradingOrder struct {
	ID             string          `json:"id" db:"id"`
	PoolID         string          `json:"pool_id" db:"pool_id"`
	Side           Side            `json:"side" db:"side"`
	Quantity       Capacity        `json:"quantity" db:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"`
	FilledQuantity Capacity        `json:"filled_quantity" db:"filled_quantity"`
	State          OrderState      `json:"state" db:"state"`
	ReservationIDs []string        `json:"reservation_ids" db:"reservation_ids"`
	SettleFailures int             `json:"settle_failures" db:"settle_failures"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o *TradingOrder) Remaining() Capacity {
	return o.Quantity - o.FilledQuantity
}

// Open reports whether the order can still be matched or cancelled.
func (o *TradingOrder) Open() bool {
	return o.State == OrderPending || o.State == OrderPartiallyFilled
}

// Fill records amt as filled and advances the state.
func (o *TradingOrder) Fill(amt Capacity, now time.Time) {
	o.FilledQuantity += amt
	if o.FilledQuantity >= o.Quantity {
		o.State = OrderFilled
	} else {
		o.State = OrderPartiallyFilled
	}
	o.UpdatedAt = now
}

// Clone returns a deep copy.
func (o *TradingOrder) Clone() *TradingOrder {
	c := *o
	c.ReservationIDs = append([]string(nil), o.ReservationIDs...)
	return &c
}

// Transfer records one executed match between a buy and a sell order.
type Transfer struct {
	ID            string          `json:"id" db:"id"`
	PoolID        string          `json:"pool_id" db:"pool_id"`
	BuyOrderID    string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id" db:"sell_order_id"`
	ReservationID string          `json:"reservation_id" db:"reservation_id"`
	Amount        Capacity        `json:"amount" db:"amount"`
	Price         decimal.Decimal `json:"price" db:"price"`
	State         TransferState   `json:"state" db:"state"`
	FailReason    string          `json:"fail_reason,omitempty" db:"fail_reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// FeedTime is when the transfer entered the executed feed: its settlement
// time once executed, its creation time before that. A transfer recovered
// after a restart settles long after it was created.
func (t *Transfer) FeedTime() time.Time {
	if t.SettledAt != nil {
		return *t.SettledAt
	}
	return t.CreatedAt
}

// TransferFilter narrows a transfer query. Zero fields match everything.
// Since and result order use FeedTime.
type TransferFilter struct {
	PoolID  string
	OrderID string
	State   TransferState
	Since   time.Time
	Limit   int
}

// Match reports whether t passes the filter.
func (f TransferFilter) Match(t *Transfer) bool {
	if f.PoolID != "" && t.PoolID != f.PoolID {
		return false
	}
	if f.OrderID != "" && t.BuyOrderID != f.OrderID && t.SellOrderID != f.OrderID {
		return false
	}
	if f.State != TransferUnknown && t.State != f.State {
		return false
	}
	if !f.Since.IsZero() && t.FeedTime().Before(f.Since) {
		return false
	}
	return true
}
