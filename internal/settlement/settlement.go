// Package settlement turns a matched transfer into a final capacity
// movement.
//
// Pending → Executed when the sell reservation commits and the fills are
// recorded. Pending → Failed → RolledBack otherwise; the orders keep their
// unfilled remainder and go back to the book for the next matching pass.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/energypool/pool-engine/internal/feed"
	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/store"
)

// Ledger is the part of the capacity ledger settlement needs.
type Ledger interface {
	CommitAmount(ctx context.Context, reservationID string, amount model.Capacity) error
	Reinstate(ctx context.Context, reservationID string, amount model.Capacity) error
}

// Service executes transfers.
type Service struct {
	ledger Ledger
	store  store.Store
	feed   feed.Publisher
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a settlement service. A nil publisher disables the feed.
func New(ledger Ledger, st store.Store, pub feed.Publisher, opts ...Option) *Service {
	if pub == nil {
		pub = feed.Nop{}
	}
	s := &Service{
		ledger: ledger,
		store:  st,
		feed:   pub,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute commits t.Amount of the sell order's reservation, fills both
// orders and marks the transfer Executed. buy and sell are updated in
// place and a successful fill clears their failure counts. On any failure
// the transfer ends RolledBack and the returned error is a *model.Error of
// kind ReservationExpired or SettlementFailure. An expired reservation is
// charged to the sell alone; other failures are charged to both orders.
func (s *Service) Execute(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder) error {
	if t.State != model.TransferPending {
		return model.Errorf(model.KindInvalidState, "transfer is %s", t.State).WithPool(t.PoolID).WithTransfer(t.ID)
	}
	if err := checkOrders(t, buy, sell); err != nil {
		return s.rollback(ctx, t, buy, sell, model.KindSettlementFailure, err)
	}

	if err := s.ledger.CommitAmount(ctx, t.ReservationID, t.Amount); err != nil {
		kind := model.KindSettlementFailure
		if errors.Is(err, model.ErrReservationExpired) {
			kind = model.KindReservationExpired
		}
		return s.rollback(ctx, t, buy, sell, kind, err)
	}

	now := s.now().UTC()
	nb, ns := buy.Clone(), sell.Clone()
	nb.Fill(t.Amount, now)
	ns.Fill(t.Amount, now)
	nb.SettleFailures, ns.SettleFailures = 0, 0
	nt := *t
	nt.State = model.TransferExecuted
	nt.SettledAt = &now

	if err := s.store.SaveSettlement(ctx, &nt, nb, ns); err != nil {
		// The commit landed but the fills did not; undo the commit.
		if rerr := s.ledger.Reinstate(ctx, t.ReservationID, t.Amount); rerr != nil {
			slog.Error("reinstate after failed settlement write",
				"transfer_id", t.ID, "reservation_id", t.ReservationID, "err", rerr)
			err = errors.Join(err, rerr)
		}
		return s.rollback(ctx, t, buy, sell, model.KindSettlementFailure, fmt.Errorf("settlement: save: %w", err))
	}

	*t, *buy, *sell = nt, *nb, *ns
	metrics.TransfersTotal.WithLabelValues(t.State.String()).Inc()
	slog.Info("transfer executed",
		"transfer_id", t.ID,
		"pool_id", t.PoolID,
		"buy_order_id", t.BuyOrderID,
		"sell_order_id", t.SellOrderID,
		"amount_mw", t.Amount.String(),
		"price", t.Price.String(),
	)

	if err := s.feed.Publish(ctx, *t); err != nil {
		slog.Warn("transfer feed delivery incomplete", "transfer_id", t.ID, "err", err)
	}
	return nil
}

func checkOrders(t *model.Transfer, buy, sell *model.TradingOrder) error {
	if buy.ID != t.BuyOrderID || sell.ID != t.SellOrderID {
		return fmt.Errorf("settlement: orders %s/%s do not belong to transfer", buy.ID, sell.ID)
	}
	if buy.Side != model.SideBuy || sell.Side != model.SideSell {
		return fmt.Errorf("settlement: order sides %s/%s", buy.Side, sell.Side)
	}
	for _, o := range []*model.TradingOrder{buy, sell} {
		if !o.Open() {
			return fmt.Errorf("settlement: order %s is %s", o.ID, o.State)
		}
		if o.Remaining() < t.Amount {
			return fmt.Errorf("settlement: order %s has %s remaining, transfer needs %s", o.ID, o.Remaining(), t.Amount)
		}
	}
	return nil
}

// rollback records Failed then RolledBack and charges the failure to the
// orders at fault. Persistence errors here are logged; the in-memory state
// is already consistent and the next write of the same records repairs it.
func (s *Service) rollback(ctx context.Context, t *model.Transfer, buy, sell *model.TradingOrder, kind model.ErrorKind, cause error) error {
	t.State = model.TransferFailed
	t.FailReason = cause.Error()
	if err := s.store.SaveTransfer(ctx, t); err != nil {
		slog.Error("save failed transfer", "transfer_id", t.ID, "err", err)
	}
	t.State = model.TransferRolledBack
	if err := s.store.SaveTransfer(ctx, t); err != nil {
		slog.Error("save rolled back transfer", "transfer_id", t.ID, "err", err)
	}

	charged := []*model.TradingOrder{buy, sell}
	if kind == model.KindReservationExpired {
		// The sell's hold can never commit again; the buy did nothing wrong.
		charged = charged[1:]
	}
	now := s.now().UTC()
	for _, o := range charged {
		o.SettleFailures++
		o.UpdatedAt = now
		if err := s.store.SaveOrder(ctx, o); err != nil {
			slog.Error("save order after rollback", "order_id", o.ID, "err", err)
		}
	}

	metrics.TransfersTotal.WithLabelValues(t.State.String()).Inc()
	return &model.Error{
		Kind:          kind,
		PoolID:        t.PoolID,
		OrderID:       sell.ID,
		ReservationID: t.ReservationID,
		TransferID:    t.ID,
		Err:           cause,
	}
}
