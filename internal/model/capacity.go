package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Capacity is an amount of pool capacity in integer milliwatts.
// All ledger arithmetic happens on this type; never on floats.
type Capacity int64

const (
	Milliwatt Capacity = 1
	Watt               = 1000 * Milliwatt
	Kilowatt           = 1000 * Watt
	Megawatt           = 1000 * Kilowatt
)

// capacityScale is the number of MW fractional digits a Capacity can hold.
const capacityScale int32 = 9

// maxCapacityDigits is the number of whole MW digits that fit in int64
// milliwatts.
const maxCapacityDigits = 10

var (
	// ErrCapacityPrecision is returned when a MW value cannot be represented
	// in whole milliwatts.
	ErrCapacityPrecision = errors.New("model: capacity finer than one milliwatt")

	// ErrCapacityRange is returned when a MW value does not fit in a Capacity.
	ErrCapacityRange = errors.New("model: capacity out of range")
)

var megawattDecimal = decimal.New(1, capacityScale)

// MW builds a Capacity from a whole number of megawatts.
func MW(n int64) Capacity {
	return Capacity(n) * Megawatt
}

// ParseCapacity parses a decimal MW string such as "12.5".
func ParseCapacity(s string) (Capacity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("model: invalid capacity: %w", err)
	}
	return CapacityFromDecimal(d)
}

// CapacityFromDecimal converts a MW decimal to milliwatts exactly.
// Magnitude and precision are checked on the coefficient and exponent
// before any scaling, so exponent notation cannot force a huge expansion.
func CapacityFromDecimal(d decimal.Decimal) (Capacity, error) {
	if d.IsZero() {
		return 0, nil
	}
	digits, exp := d.NumDigits(), int(d.Exponent())
	if digits+exp > maxCapacityDigits {
		return 0, ErrCapacityRange
	}
	if shift := -exp - int(capacityScale); shift > 0 {
		// Digits below one milliwatt must all be zero.
		if shift >= digits {
			return 0, ErrCapacityPrecision
		}
		rem := new(big.Int).Rem(d.Coefficient(), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil))
		if rem.Sign() != 0 {
			return 0, ErrCapacityPrecision
		}
	}
	mw := d.Mul(megawattDecimal).Truncate(0)
	if !mw.BigInt().IsInt64() {
		return 0, ErrCapacityRange
	}
	return Capacity(mw.IntPart()), nil
}

// Decimal returns the capacity in MW.
func (c Capacity) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -capacityScale)
}

// String formats the capacity in MW.
func (c Capacity) String() string {
	return c.Decimal().String()
}

// MarshalJSON encodes the capacity as a MW decimal string.
func (c Capacity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts a MW decimal as either a JSON string or number.
func (c *Capacity) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := ParseCapacity(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MinCapacity returns the smaller of two capacities.
func MinCapacity(a, b Capacity) Capacity {
	if a < b {
		return a
	}
	return b
}
