// Package ledger is the capacity ledger: the only writer of a pool's
// total/available/reserved/utilized counters.
//
// Every pool has its own mutex. A mutation is computed on a copy of the
// pool, checked against available+reserved+utilized == total, persisted in
// one store call and only then swapped into memory, so a failed write
// leaves the ledger exactly as it was. Operations on different pools never
// contend.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/store"
)

// Ledger holds the authoritative in-memory state of every pool and writes
// each change through to the store.
type Ledger struct {
	store     store.Store
	now       func() time.Time
	retention time.Duration

	mu      sync.RWMutex
	pools   map[string]*poolLedger
	byResID map[string]*poolLedger
}

// poolLedger is the per-pool critical section.
type poolLedger struct {
	mu   sync.Mutex
	pool model.Pool
	// Terminal reservations stay until the retention window after their
	// expiry passes, so Release remains idempotent for that long.
	reservations map[string]*model.Reservation
}

// Option configures a Ledger.
type Option func(*Ledger)

// DefaultRetention is how long released and committed reservations stay in
// memory after their expiry.
const DefaultRetention = 24 * time.Hour

// WithClock overrides the time source used for reservation expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetention sets how long terminal reservations are kept in memory
// after they expire. The store keeps them regardless.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// New creates an empty ledger backed by st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     st,
		now:       time.Now,
		retention: DefaultRetention,
		pools:     make(map[string]*poolLedger),
		byResID:   make(map[string]*poolLedger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore loads every pool and reservation from the store. It refuses to
// start from a state whose counters do not match the held reservations.
func (l *Ledger) Restore(ctx context.Context) error {
	pools, err := l.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("ledger: list pools: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range pools {
		if err := p.CheckInvariant(); err != nil {
			return err
		}
		reservations, err := l.store.ListReservations(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("ledger: list reservations of %s: %w", p.ID, err)
		}
		pl := &poolLedger{pool: p, reservations: make(map[string]*model.Reservation, len(reservations))}
		var held model.Capacity
		now := l.now()
		for i := range reservations {
			r := reservations[i]
			if l.evictable(&r, now) {
				continue
			}
			pl.reservations[r.ID] = &r
			l.byResID[r.ID] = pl
			held += r.Held()
		}
		if held != p.Reserved {
			return model.Errorf(model.KindInvariantViolation,
				"held reservations %s != reserved %s", held, p.Reserved).WithPool(p.ID)
		}
		l.pools[p.ID] = pl
		metrics.ObservePool(&p)
	}
	slog.Info("ledger restored", "pools", len(pools))
	return nil
}

// --- Pool management ---

// CreatePool registers a new pool with available == total.
func (l *Ledger) CreatePool(ctx context.Context, name string, total model.Capacity) (model.Pool, error) {
	if total < 0 {
		return model.Pool{}, model.Errorf(model.KindInvalidQuantity, "total capacity %s is negative", total)
	}
	pl := &poolLedger{
		pool: model.Pool{
			ID:        model.NewID(),
			Name:      name,
			Total:     total,
			Available: total,
			State:     model.PoolActive,
			CreatedAt: l.now().UTC(),
		},
		reservations: make(map[string]*model.Reservation),
	}
	if err := l.persist(ctx, pl, pl.pool); err != nil {
		return model.Pool{}, err
	}

	l.mu.Lock()
	l.pools[pl.pool.ID] = pl
	l.mu.Unlock()

	slog.Info("pool created", "pool_id", pl.pool.ID, "name", name, "total_mw", total.String())
	return pl.pool, nil
}

// Resize adds delta (possibly negative) to the pool's total and available
// capacity. It fails if the total would drop below reserved+utilized.
func (l *Ledger) Resize(ctx context.Context, poolID string, delta model.Capacity) (model.Pool, error) {
	return l.mutatePool(ctx, poolID, func(next *model.Pool) error {
		next.Total += delta
		next.Available += delta
		if next.Available < 0 {
			return model.Errorf(model.KindInvalidQuantity,
				"resize by %s would drop total below reserved+utilized", delta)
		}
		return nil
	})
}

// Drain returns delivered capacity from utilized to available.
func (l *Ledger) Drain(ctx context.Context, poolID string, amount model.Capacity) (model.Pool, error) {
	return l.mutatePool(ctx, poolID, func(next *model.Pool) error {
		if amount <= 0 || amount > next.Utilized {
			return model.Errorf(model.KindInvalidQuantity,
				"drain %s outside (0, utilized %s]", amount, next.Utilized)
		}
		next.Utilized -= amount
		next.Available += amount
		return nil
	})
}

// Retire tombstones a drained pool. Retiring an already retired pool is a
// no-op.
func (l *Ledger) Retire(ctx context.Context, poolID string) (model.Pool, error) {
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pool.State == model.PoolRetired {
		return pl.pool, nil
	}
	if pl.pool.Reserved > 0 || pl.pool.Utilized > 0 {
		return model.Pool{}, model.Errorf(model.KindInvalidState,
			"pool still holds reserved %s utilized %s", pl.pool.Reserved, pl.pool.Utilized).WithPool(poolID)
	}
	next := pl.pool
	now := l.now().UTC()
	next.State = model.PoolRetired
	next.RetiredAt = &now
	if err := l.persist(ctx, pl, next); err != nil {
		return model.Pool{}, err
	}
	slog.Info("pool retired", "pool_id", poolID)
	return pl.pool, nil
}

func (l *Ledger) mutatePool(ctx context.Context, poolID string, fn func(next *model.Pool) error) (model.Pool, error) {
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pool.State != model.PoolActive {
		return model.Pool{}, model.Errorf(model.KindInvalidState, "pool is %s", pl.pool.State).WithPool(poolID)
	}
	next := pl.pool
	if err := fn(&next); err != nil {
		if e, ok := err.(*model.Error); ok {
			e.WithPool(poolID)
		}
		return model.Pool{}, err
	}
	if err := l.persist(ctx, pl, next); err != nil {
		return model.Pool{}, err
	}
	return pl.pool, nil
}

// --- Reads ---

// Pool returns a snapshot of the pool's counters.
func (l *Ledger) Pool(poolID string) (model.Pool, error) {
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.pool, nil
}

// Pools returns a snapshot of every pool, oldest first.
func (l *Ledger) Pools() []model.Pool {
	l.mu.RLock()
	pls := make([]*poolLedger, 0, len(l.pools))
	for _, pl := range l.pools {
		pls = append(pls, pl)
	}
	l.mu.RUnlock()

	pools := make([]model.Pool, 0, len(pls))
	for _, pl := range pls {
		pl.mu.Lock()
		pools = append(pools, pl.pool)
		pl.mu.Unlock()
	}
	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].CreatedAt.Before(pools[j].CreatedAt)
		}
		return pools[i].ID < pools[j].ID
	})
	return pools
}

// Reservation returns a snapshot of one reservation.
func (l *Ledger) Reservation(id string) (model.Reservation, error) {
	pl, err := l.reservationPool(id)
	if err != nil {
		return model.Reservation{}, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return *pl.reservations[id], nil
}

// Reservations returns every reservation of a pool ordered by id.
func (l *Ledger) Reservations(poolID string) ([]model.Reservation, error) {
	pl, err := l.poolLedger(poolID)
	if err != nil {
		return nil, err
	}
	pl.mu.Lock()
	result := make([]model.Reservation, 0, len(pl.reservations))
	for _, r := range pl.reservations {
		result = append(result, *r)
	}
	pl.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (l *Ledger) poolLedger(poolID string) (*poolLedger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pl, ok := l.pools[poolID]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unknown pool").WithPool(poolID)
	}
	return pl, nil
}

func (l *Ledger) reservationPool(id string) (*poolLedger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pl, ok := l.byResID[id]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unknown reservation").WithReservation(id)
	}
	return pl, nil
}

// persist checks the invariant on next, writes it with the given
// reservations and swaps both into memory. Callers hold pl.mu.
func (l *Ledger) persist(ctx context.Context, pl *poolLedger, next model.Pool, reservations ...*model.Reservation) error {
	if err := next.CheckInvariant(); err != nil {
		return err
	}
	if err := l.store.SaveLedger(ctx, &next, reservations...); err != nil {
		return fmt.Errorf("ledger: persist pool %s: %w", next.ID, err)
	}
	pl.pool = next
	for _, r := range reservations {
		pl.reservations[r.ID] = r
	}
	metrics.ObservePool(&next)
	return nil
}

// evictable reports whether a terminal reservation has outlived the
// retention window.
func (l *Ledger) evictable(r *model.Reservation, now time.Time) bool {
	if r.State != model.ReservationReleased && r.State != model.ReservationCommitted {
		return false
	}
	return !now.Before(r.ExpiresAt.Add(l.retention))
}
