package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures that cross the engine boundary.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindInsufficientCapacity
	KindInvalidState
	KindReservationExpired
	KindSettlementFailure
	KindInvalidQuantity
	KindInvalidPrice
	KindNotFound
	KindInvariantViolation
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrInvalidState         = errors.New("invalid state")
	// ErrReservationExpired is a specialisation of ErrInvalidState.
	ErrReservationExpired = errors.New("reservation expired")
	ErrSettlementFailure  = errors.New("settlement failure")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("capacity invariant violated")
)

var kindSentinels = map[ErrorKind]error{
	KindInsufficientCapacity: ErrInsufficientCapacity,
	KindInvalidState:         ErrInvalidState,
	KindReservationExpired:   ErrReservationExpired,
	KindSettlementFailure:    ErrSettlementFailure,
	KindInvalidQuantity:      ErrInvalidQuantity,
	KindInvalidPrice:         ErrInvalidPrice,
	KindNotFound:             ErrNotFound,
	KindInvariantViolation:   ErrInvariantViolation,
}

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientCapacity:
		return "insufficient_capacity"
	case KindInvalidState:
		return "invalid_state"
	case KindReservationExpired:
		return "reservation_expired"
	case KindSettlementFailure:
		return "settlement_failure"
	case KindInvalidQuantity:
		return "invalid_quantity"
	case KindInvalidPrice:
		return "invalid_price"
	case KindNotFound:
		return "not_found"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error is the structured failure returned by the ledger, book and
// settlement. It always names the kind and the offending entity ids.
type Error struct {
	Kind          ErrorKind
	PoolID        string
	OrderID       string
	ReservationID string
	TransferID    string
	Msg           string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.PoolID != "" {
		fmt.Fprintf(&b, " pool=%s", e.PoolID)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " order=%s", e.OrderID)
	}
	if e.ReservationID != "" {
		fmt.Fprintf(&b, " reservation=%s", e.ReservationID)
	}
	if e.TransferID != "" {
		fmt.Fprintf(&b, " transfer=%s", e.TransferID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind. An expired reservation also
// matches ErrInvalidState.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return e.Kind == KindReservationExpired && target == ErrInvalidState
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithPool sets the pool id and returns e.
func (e *Error) WithPool(id string) *Error {
	e.PoolID = id
	return e
}

// WithOrder sets the order id and returns e.
func (e *Error) WithOrder(id string) *Error {
	e.OrderID = id
	return e
}

// WithReservation sets the reservation id and returns e.
func (e *Error) WithReservation(id string) *Error {
	e.ReservationID = id
	return e
}

// WithTransfer sets the transfer id and returns e.
func (e *Error) WithTransfer(id string) *Error {
	e.TransferID = id
	return e
}

// Wrap attaches a cause and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}
