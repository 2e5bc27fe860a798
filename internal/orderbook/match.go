package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
)

// Match runs one matching pass over the pool. It repeatedly pairs the best
// buy (highest limit) with the best sell (lowest limit), ties broken by
// arrival, while the sell's limit does not exceed the buy's. The pair
// trades min(remaining) at the older order's limit price and is settled
// before the next pair is chosen.
//
// An order whose settlement fails sits out the rest of the pass and is
// retried on the next one. Once it has failed MaxSettleAttempts times it
// is cancelled and reported in the returned error.
func (b *Book) Match(ctx context.Context, poolID string) ([]model.Transfer, error) {
	if _, err := b.ledger.Pool(poolID); err != nil {
		return nil, err
	}
	pb := b.existingPoolBook(poolID)
	if pb == nil {
		return nil, nil
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	now := b.now()
	skip := make(map[string]bool)
	var transfers []model.Transfer
	var errs []error

	for {
		buy, sell := pb.bestPair(now, skip)
		if buy == nil {
			break
		}

		price := sell.LimitPrice
		if earlier(buy, sell) {
			price = buy.LimitPrice
		}
		t := &model.Transfer{
			ID:            model.NewID(),
			PoolID:        poolID,
			BuyOrderID:    buy.ID,
			SellOrderID:   sell.ID,
			ReservationID: sell.ReservationIDs[len(sell.ReservationIDs)-1],
			Amount:        model.MinCapacity(buy.Remaining(), sell.Remaining()),
			Price:         price,
			State:         model.TransferPending,
			CreatedAt:     now.UTC(),
		}
		if err := b.store.SaveTransfer(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("orderbook: save transfer: %w", err))
			break
		}

		err := b.settler.Execute(ctx, t, buy, sell)
		if err == nil {
			transfers = append(transfers, *t)
			continue
		}

		skip[buy.ID] = true
		skip[sell.ID] = true
		slog.Warn("settlement failed, orders requeued",
			"pool_id", poolID,
			"transfer_id", t.ID,
			"buy_order_id", buy.ID,
			"sell_order_id", sell.ID,
			"err", err,
		)
		errs = append(errs, b.cancelExhausted(ctx, t, err, buy, sell)...)
	}

	if len(transfers) > 0 {
		slog.Info("matching pass complete", "pool_id", poolID, "transfers", len(transfers))
	}
	return transfers, errors.Join(errs...)
}

// bestPair returns the highest-priority crossing buy and sell, or nils.
// Expired orders and orders in skip are ignored.
func (pb *poolBook) bestPair(now time.Time, skip map[string]bool) (buy, sell *model.TradingOrder) {
	for _, o := range pb.orders {
		if !o.Open() || o.Remaining() <= 0 || !now.Before(o.ExpiresAt) || skip[o.ID] {
			continue
		}
		switch o.Side {
		case model.SideBuy:
			if buy == nil || o.LimitPrice.GreaterThan(buy.LimitPrice) ||
				(o.LimitPrice.Equal(buy.LimitPrice) && earlier(o, buy)) {
				buy = o
			}
		case model.SideSell:
			if len(o.ReservationIDs) == 0 {
				continue
			}
			if sell == nil || o.LimitPrice.LessThan(sell.LimitPrice) ||
				(o.LimitPrice.Equal(sell.LimitPrice) && earlier(o, sell)) {
				sell = o
			}
		}
	}
	if buy == nil || sell == nil || sell.LimitPrice.GreaterThan(buy.LimitPrice) {
		return nil, nil
	}
	return buy, sell
}

// ExecutePending settles a transfer that was matched but never executed,
// for example because the process stopped between the two steps. It runs
// under the pool's book lock like a matching pass and applies the same
// MaxSettleAttempts cancellation.
func (b *Book) ExecutePending(ctx context.Context, transferID string) (model.Transfer, error) {
	t, err := b.store.GetTransfer(ctx, transferID)
	if err != nil {
		return model.Transfer{}, (&model.Error{Kind: model.KindNotFound, Err: err}).WithTransfer(transferID)
	}
	if t.State != model.TransferPending {
		return *t, model.Errorf(model.KindInvalidState, "transfer is %s", t.State).WithPool(t.PoolID).WithTransfer(t.ID)
	}
	pb := b.existingPoolBook(t.PoolID)
	if pb == nil {
		return *t, model.Errorf(model.KindNotFound, "no orders for pool").WithPool(t.PoolID).WithTransfer(t.ID)
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	buy, sell := pb.orders[t.BuyOrderID], pb.orders[t.SellOrderID]
	if buy == nil || sell == nil {
		return *t, model.Errorf(model.KindNotFound, "transfer references unknown orders").WithPool(t.PoolID).WithTransfer(t.ID)
	}
	if err := b.settler.Execute(ctx, t, buy, sell); err != nil {
		return *t, errors.Join(append([]error{err}, b.cancelExhausted(ctx, t, err, buy, sell)...)...)
	}
	return *t, nil
}

// cancelExhausted cancels every order of a failed settlement that has
// reached MaxSettleAttempts and returns one SettlementFailure per order
// cancelled. Callers hold the pool's book lock.
func (b *Book) cancelExhausted(ctx context.Context, t *model.Transfer, cause error, orders ...*model.TradingOrder) []error {
	var errs []error
	for _, o := range orders {
		if !o.Open() || o.SettleFailures < model.MaxSettleAttempts {
			continue
		}
		if err := b.closeLocked(ctx, o, model.OrderCancelled); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Error("order cancelled after repeated settlement failures",
			"order_id", o.ID, "pool_id", o.PoolID, "attempts", o.SettleFailures)
		errs = append(errs, &model.Error{
			Kind:       model.KindSettlementFailure,
			PoolID:     o.PoolID,
			OrderID:    o.ID,
			TransferID: t.ID,
			Msg:        fmt.Sprintf("cancelled after %d failed settlements", o.SettleFailures),
			Err:        cause,
		})
	}
	return errs
}

// recoverPending executes every transfer still Pending after a restart.
func (b *Book) recoverPending(ctx context.Context) error {
	pending, err := b.store.ListTransfers(ctx, model.TransferFilter{State: model.TransferPending})
	if err != nil {
		return fmt.Errorf("orderbook: list pending transfers: %w", err)
	}
	for _, t := range pending {
		if _, err := b.ExecutePending(ctx, t.ID); err != nil {
			slog.Warn("pending transfer not executed on restore", "transfer_id", t.ID, "err", err)
		}
	}
	return nil
}
