package limits

import (
	"testing"

	"github.com/energypool/pool-engine/internal/model"
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewOrderLimiter(model.MW(100), 10)

	if err := limiter.CheckLimit(model.MW(50), 3); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_QuantityExceeded(t *testing.T) {
	limiter := NewOrderLimiter(model.MW(100), 10)

	err := limiter.CheckLimit(model.MW(100)+model.Milliwatt, 0)
	if err != ErrQuantityLimitExceeded {
		t.Errorf("expected ErrQuantityLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_QuantityAtLimit(t *testing.T) {
	limiter := NewOrderLimiter(model.MW(100), 10)

	if err := limiter.CheckLimit(model.MW(100), 0); err != nil {
		t.Errorf("order at the limit should pass, got %v", err)
	}
}

func TestCheckLimit_OpenOrdersExceeded(t *testing.T) {
	limiter := NewOrderLimiter(model.MW(100), 2)

	// Two open orders already; a third is refused.
	err := limiter.CheckLimit(model.MW(1), 2)
	if err != ErrOpenOrderLimitExceeded {
		t.Errorf("expected ErrOpenOrderLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewOrderLimiter(0, 0)

	if err := limiter.CheckLimit(model.MW(1_000_000), 1_000_000); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *OrderLimiter

	if err := limiter.CheckLimit(model.MW(1), 1); err != nil {
		t.Errorf("nil limiter should allow, got %v", err)
	}
}

func TestNewOrderLimiter_NegativeClamped(t *testing.T) {
	limiter := NewOrderLimiter(-1, -5)

	if limiter.MaxQuantity != 0 || limiter.MaxOpenOrders != 0 {
		t.Errorf("negative bounds should clamp to 0, got %d %d", limiter.MaxQuantity, limiter.MaxOpenOrders)
	}
}
