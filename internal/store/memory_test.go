package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/energypool/pool-engine/internal/model"
)

func TestMemoryStore_SaveLedgerCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := &model.Pool{ID: "p", Total: model.MW(10), Available: model.MW(6), Reserved: model.MW(4), State: model.PoolActive}
	r := &model.Reservation{ID: "r", PoolID: "p", Amount: model.MW(4), State: model.ReservationHeld}

	if err := s.SaveLedger(ctx, p, r); err != nil {
		t.Fatalf("save ledger: %v", err)
	}
	p.Available = 0
	r.Amount = 0

	pools, err := s.ListPools(ctx)
	if err != nil || len(pools) != 1 {
		t.Fatalf("list pools: %v %v", pools, err)
	}
	if pools[0].Available != model.MW(6) {
		t.Errorf("stored pool mutated through caller pointer: %s", pools[0].Available)
	}
	rs, _ := s.ListReservations(ctx, "p")
	if len(rs) != 1 || rs[0].Amount != model.MW(4) {
		t.Errorf("unexpected reservations: %+v", rs)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetOrder(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetTransfer(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTransfer: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_OrdersByArrival(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		o := &model.TradingOrder{ID: id, PoolID: "p", CreatedAt: t0.Add(time.Duration(2-i) * time.Second), ReservationIDs: []string{"r"}}
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("save order: %v", err)
		}
	}
	orders, _ := s.ListOrders(ctx, "p")
	if len(orders) != 3 || orders[0].ID != "b" || orders[2].ID != "c" {
		t.Fatalf("unexpected order: %v", []string{orders[0].ID, orders[1].ID, orders[2].ID})
	}

	orders[0].ReservationIDs[0] = "mutated"
	again, _ := s.GetOrder(ctx, "b")
	if again.ReservationIDs[0] != "r" {
		t.Error("listed order shares reservation slice with the store")
	}
}

func TestMemoryStore_ListTransfersFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	transfers := []*model.Transfer{
		{ID: "t1", PoolID: "p", BuyOrderID: "b1", SellOrderID: "s1", State: model.TransferExecuted, CreatedAt: t0, Price: decimal.NewFromInt(1)},
		{ID: "t2", PoolID: "p", BuyOrderID: "b2", SellOrderID: "s1", State: model.TransferRolledBack, CreatedAt: t0.Add(time.Second)},
		{ID: "t3", PoolID: "q", BuyOrderID: "b3", SellOrderID: "s3", State: model.TransferExecuted, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "t4", PoolID: "p", BuyOrderID: "b4", SellOrderID: "s1", State: model.TransferExecuted, CreatedAt: t0.Add(3 * time.Second)},
	}
	for _, tr := range transfers {
		if err := s.SaveTransfer(ctx, tr); err != nil {
			t.Fatalf("save transfer: %v", err)
		}
	}

	got, _ := s.ListTransfers(ctx, model.TransferFilter{PoolID: "p", State: model.TransferExecuted})
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "t4" {
		t.Errorf("pool filter: got %d transfers", len(got))
	}

	got, _ = s.ListTransfers(ctx, model.TransferFilter{OrderID: "s1", Since: t0.Add(time.Second)})
	if len(got) != 2 || got[0].ID != "t2" {
		t.Errorf("order+since filter: got %d transfers", len(got))
	}

	got, _ = s.ListTransfers(ctx, model.TransferFilter{Limit: 1})
	if len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("limit: got %d transfers", len(got))
	}
}

func TestMemoryStore_ListTransfersBySettlementTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := t0.Add(time.Hour)
	early := t0.Add(2 * time.Minute)

	// "old" was created first but only settled after a restart.
	s.SaveTransfer(ctx, &model.Transfer{ID: "old", PoolID: "p", State: model.TransferExecuted, CreatedAt: t0, SettledAt: &late})
	s.SaveTransfer(ctx, &model.Transfer{ID: "new", PoolID: "p", State: model.TransferExecuted, CreatedAt: t0.Add(time.Minute), SettledAt: &early})

	got, _ := s.ListTransfers(ctx, model.TransferFilter{State: model.TransferExecuted, Since: t0.Add(30 * time.Minute)})
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("expected the late-settled transfer in the window, got %+v", got)
	}

	got, _ = s.ListTransfers(ctx, model.TransferFilter{State: model.TransferExecuted})
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("expected settlement order new, old; got %+v", got)
	}
}
