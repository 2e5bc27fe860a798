package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
)

// Reserve carves amount out of the pool's available capacity and returns a
// Held reservation that expires after ttl. Nothing changes if the pool
// cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, poolID, orderID string, amount model.Capacity, ttl time.Duration) (model.Reservation, error) {
	if amount <= 0 {
		return model.Reservation{}, model.Errorf(model.KindInvalidQuantity,
			"reservation amount %s must be positive", amount).WithPool(poolID).WithOrder(orderID)
	}
	if ttl <= 0 {
		return model.Reservation{}, model.Errorf(model.KindInvalidQuantity,
			"reservation ttl %s must be positive", ttl).WithPool(poolID).WithOrder(orderID)
	}
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return model.Reservation{}, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pool.State != model.PoolActive {
		return model.Reservation{}, model.Errorf(model.KindInvalidState,
			"pool is %s", pl.pool.State).WithPool(poolID).WithOrder(orderID)
	}
	if pl.pool.Available < amount {
		metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		return model.Reservation{}, model.Errorf(model.KindInsufficientCapacity,
			"requested %s, available %s", amount, pl.pool.Available).WithPool(poolID).WithOrder(orderID)
	}

	now := l.now().UTC()
	r := &model.Reservation{
		ID:        model.NewID(),
		PoolID:    poolID,
		OrderID:   orderID,
		Amount:    amount,
		State:     model.ReservationHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	next := pl.pool
	next.Available -= amount
	next.Reserved += amount
	if err := l.persist(ctx, pl, next, r); err != nil {
		return model.Reservation{}, err
	}

	l.mu.Lock()
	l.byResID[r.ID] = pl
	l.mu.Unlock()

	metrics.ReservationsTotal.WithLabelValues("held").Inc()
	return *r, nil
}

// Commit moves the whole held remainder of a reservation to utilized.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.commit(ctx, reservationID, 0)
}

// CommitAmount moves amount of a held reservation to utilized. The rest
// stays held; the reservation becomes Committed once nothing is left.
func (l *Ledger) CommitAmount(ctx context.Context, reservationID string, amount model.Capacity) error {
	if amount <= 0 {
		return model.Errorf(model.KindInvalidQuantity,
			"commit amount %s must be positive", amount).WithReservation(reservationID)
	}
	return l.commit(ctx, reservationID, amount)
}

// commit with amount 0 commits everything still held.
func (l *Ledger) commit(ctx context.Context, reservationID string, amount model.Capacity) error {
	pl, err := l.reservationPool(reservationID)
	if err != nil {
		return err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	r := pl.reservations[reservationID]
	if r.State != model.ReservationHeld {
		return model.Errorf(model.KindInvalidState,
			"reservation is %s", r.State).WithPool(r.PoolID).WithOrder(r.OrderID).WithReservation(r.ID)
	}
	if r.Expired(l.now()) {
		return model.Errorf(model.KindReservationExpired,
			"expired at %s", r.ExpiresAt.Format(time.RFC3339)).WithPool(r.PoolID).WithOrder(r.OrderID).WithReservation(r.ID)
	}
	if amount == 0 {
		amount = r.Held()
	}
	if amount > r.Held() {
		return model.Errorf(model.KindInvalidQuantity,
			"commit %s exceeds held %s", amount, r.Held()).WithPool(r.PoolID).WithOrder(r.OrderID).WithReservation(r.ID)
	}

	nr := *r
	nr.Committed += amount
	if nr.Committed == nr.Amount {
		nr.State = model.ReservationCommitted
	}
	next := pl.pool
	next.Reserved -= amount
	next.Utilized += amount
	if err := l.persist(ctx, pl, next, &nr); err != nil {
		return err
	}
	metrics.ReservationsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Reinstate undoes a commit of amount: the capacity moves from utilized
// back to reserved and the reservation is Held again. Settlement uses it
// when a commit succeeded but the transfer could not be recorded.
func (l *Ledger) Reinstate(ctx context.Context, reservationID string, amount model.Capacity) error {
	pl, err := l.reservationPool(reservationID)
	if err != nil {
		return err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	r := pl.reservations[reservationID]
	if !r.State.CanTransition(model.ReservationHeld) {
		return model.Errorf(model.KindInvalidState,
			"reservation is %s", r.State).WithPool(r.PoolID).WithReservation(r.ID)
	}
	if amount <= 0 || amount > r.Committed {
		return model.Errorf(model.KindInvalidQuantity,
			"reinstate %s outside (0, committed %s]", amount, r.Committed).WithPool(r.PoolID).WithReservation(r.ID)
	}

	nr := *r
	nr.Committed -= amount
	nr.State = model.ReservationHeld
	next := pl.pool
	next.Utilized -= amount
	next.Reserved += amount
	if err := l.persist(ctx, pl, next, &nr); err != nil {
		return err
	}
	metrics.ReservationsTotal.WithLabelValues("reinstated").Inc()
	return nil
}

// Release returns the held remainder of a reservation to available.
// Releasing an already released reservation succeeds without effect for
// as long as the ledger retains it.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	pl, err := l.reservationPool(reservationID)
	if err != nil {
		return err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	r := pl.reservations[reservationID]
	switch r.State {
	case model.ReservationReleased:
		return nil
	case model.ReservationHeld:
	default:
		return model.Errorf(model.KindInvalidState,
			"reservation is %s", r.State).WithPool(r.PoolID).WithOrder(r.OrderID).WithReservation(r.ID)
	}

	nr := *r
	held := r.Held()
	nr.State = model.ReservationReleased
	next := pl.pool
	next.Reserved -= held
	next.Available += held
	if err := l.persist(ctx, pl, next, &nr); err != nil {
		return err
	}
	metrics.ReservationsTotal.WithLabelValues("released").Inc()
	return nil
}

// Sweep releases every Held reservation of the pool whose TTL has passed,
// in a single write. It returns the number released. Terminal
// reservations past the retention window are dropped from memory.
func (l *Ledger) Sweep(ctx context.Context, poolID string) (int, error) {
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := l.now()
	l.evictLocked(pl, now)
	next := pl.pool
	var released []*model.Reservation
	for _, r := range pl.reservations {
		if r.State != model.ReservationHeld || !r.Expired(now) {
			continue
		}
		nr := *r
		held := r.Held()
		nr.State = model.ReservationReleased
		next.Reserved -= held
		next.Available += held
		released = append(released, &nr)
	}
	if len(released) == 0 {
		return 0, nil
	}
	if err := l.persist(ctx, pl, next, released...); err != nil {
		return 0, err
	}
	metrics.SweepReleased.Add(float64(len(released)))
	slog.Info("expired reservations released", "pool_id", poolID, "count", len(released))
	return len(released), nil
}

// evictLocked drops terminal reservations past the retention window.
// Callers hold pl.mu.
func (l *Ledger) evictLocked(pl *poolLedger, now time.Time) {
	var evicted []string
	for id, r := range pl.reservations {
		if l.evictable(r, now) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return
	}
	l.mu.Lock()
	for _, id := range evicted {
		delete(pl.reservations, id)
		delete(l.byResID, id)
	}
	l.mu.Unlock()
	slog.Debug("terminal reservations evicted", "pool_id", pl.pool.ID, "count", len(evicted))
}
