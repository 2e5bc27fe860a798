// Package sweeper runs one background expiry loop per pool. Each tick
// expires stale orders first, so their reservations are released through
// the book, and then sweeps whatever expired reservations remain.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Second

// OrderExpirer expires open orders past their TTL.
type OrderExpirer interface {
	ExpireStale(ctx context.Context, poolID string) (int, error)
}

// ReservationSweeper releases Held reservations past their TTL.
type ReservationSweeper interface {
	Sweep(ctx context.Context, poolID string) (int, error)
}

// Manager owns the per-pool loops.
type Manager struct {
	orders       OrderExpirer
	reservations ReservationSweeper
	interval     time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loops   map[string]context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a manager. Loops run until Forget or Stop.
func New(orders OrderExpirer, reservations ReservationSweeper, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		orders:       orders,
		reservations: reservations,
		interval:     interval,
		ctx:          ctx,
		cancel:       cancel,
		loops:        make(map[string]context.CancelFunc),
	}
}

// Watch starts the loop for poolID. Watching a pool twice is a no-op.
func (m *Manager) Watch(poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.loops[poolID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.loops[poolID] = cancel
	m.wg.Add(1)
	go m.run(ctx, poolID)
	slog.Debug("sweeper started", "pool_id", poolID, "interval", m.interval.String())
}

// Forget stops the loop for poolID.
func (m *Manager) Forget(poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.loops[poolID]; ok {
		cancel()
		delete(m.loops, poolID)
	}
}

// Watching reports whether poolID has a running loop.
func (m *Manager) Watching(poolID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[poolID]
	return ok
}

// Stop cancels every loop and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.loops = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, poolID string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, poolID)
		}
	}
}

func (m *Manager) tick(ctx context.Context, poolID string) {
	if _, err := m.orders.ExpireStale(ctx, poolID); err != nil {
		slog.Error("expire stale orders", "pool_id", poolID, "err", err)
	}
	if _, err := m.reservations.Sweep(ctx, poolID); err != nil {
		slog.Error("sweep expired reservations", "pool_id", poolID, "err", err)
	}
}
