package model

import "fmt"

// Side is the direction of a trading order.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy", "BUY":
		*s = SideBuy
	case "sell", "SELL":
		*s = SideSell
	default:
		return fmt.Errorf("model: unknown side %q", string(b))
	}
	return nil
}

// PoolState is the lifecycle of a pool. Retired is a tombstone.
type PoolState uint8

const (
	PoolUnknown PoolState = iota
	PoolActive
	PoolRetired
)

func (s PoolState) String() string {
	switch s {
	case PoolActive:
		return "active"
	case PoolRetired:
		return "retired"
	default:
		return "unknown"
	}
}

func (s PoolState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PoolState) UnmarshalText(b []byte) error {
	v, ok := map[string]PoolState{"active": PoolActive, "retired": PoolRetired}[string(b)]
	if !ok {
		return fmt.Errorf("model: unknown pool state %q", string(b))
	}
	*s = v
	return nil
}

// ReservationState is the lifecycle of a reservation.
type ReservationState uint8

const (
	ReservationUnknown ReservationState = iota
	ReservationHeld
	ReservationCommitted
	ReservationReleased
)

func (s ReservationState) String() string {
	switch s {
	case ReservationHeld:
		return "held"
	case ReservationCommitted:
		return "committed"
	case ReservationReleased:
		return "released"
	default:
		return "unknown"
	}
}

func (s ReservationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ReservationState) UnmarshalText(b []byte) error {
	v, ok := map[string]ReservationState{
		"held":      ReservationHeld,
		"committed": ReservationCommitted,
		"released":  ReservationReleased,
	}[string(b)]
	if !ok {
		return fmt.Errorf("model: unknown reservation state %q", string(b))
	}
	*s = v
	return nil
}

// CanTransition reports whether a reservation may move from s to next.
// Held may stay Held on a partial commit.
func (s ReservationState) CanTransition(next ReservationState) bool {
	switch s {
	case ReservationHeld:
		return next == ReservationHeld || next == ReservationCommitted || next == ReservationReleased
	case ReservationCommitted:
		// Reinstating a commit reopens the hold.
		return next == ReservationHeld
	default:
		return false
	}
}

// OrderState is the lifecycle of a trading order.
type OrderState uint8

const (
	OrderUnknown OrderState = iota
	OrderPending
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
)

func (s OrderState) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s OrderState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderState) UnmarshalText(b []byte) error {
	v, ok := map[string]OrderState{
		"pending":          OrderPending,
		"partially_filled": OrderPartiallyFilled,
		"filled":           OrderFilled,
		"cancelled":        OrderCancelled,
		"expired":          OrderExpired,
	}[string(b)]
	if !ok {
		return fmt.Errorf("model: unknown order state %q", string(b))
	}
	*s = v
	return nil
}

// CanTransition reports whether an order may move from s to next.
func (s OrderState) CanTransition(next OrderState) bool {
	switch s {
	case OrderPending, OrderPartiallyFilled:
		switch next {
		case OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired:
			return true
		}
	}
	return false
}

// TransferState is the lifecycle of a transfer.
type TransferState uint8

const (
	TransferUnknown TransferState = iota
	TransferPending
	TransferExecuted
	TransferFailed
	TransferRolledBack
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferExecuted:
		return "executed"
	case TransferFailed:
		return "failed"
	case TransferRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func (s TransferState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TransferState) UnmarshalText(b []byte) error {
	v, ok := map[string]TransferState{
		"pending":     TransferPending,
		"executed":    TransferExecuted,
		"failed":      TransferFailed,
		"rolled_back": TransferRolledBack,
	}[string(b)]
	if !ok {
		return fmt.Errorf("model: unknown transfer state %q", string(b))
	}
	*s = v
	return nil
}

// CanTransition reports whether a transfer may move from s to next.
// Executed and RolledBack are terminal.
func (s TransferState) CanTransition(next TransferState) bool {
	switch s {
	case TransferPending:
		return next == TransferExecuted || next == TransferFailed
	case TransferFailed:
		return next == TransferRolledBack
	default:
		return false
	}
}
