// Package feed delivers executed transfers to reporting and notification
// collaborators. Delivery is best effort: a failed publish is logged and
// counted, never undone.
package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
)

// Publisher receives executed transfers.
type Publisher interface {
	Publish(ctx context.Context, t model.Transfer) error
}

// Nop discards every transfer.
type Nop struct{}

func (Nop) Publish(context.Context, model.Transfer) error { return nil }

// Named tags a publisher with the sink label used in metrics and logs.
type Named struct {
	Name string
	Publisher
}

// Multi fans a transfer out to every sink. One failing sink does not stop
// the others.
type Multi struct {
	sinks []Named
}

// NewMulti creates a fan-out publisher.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink.
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, Named{Name: name, Publisher: p})
}

// Publish delivers t to every sink and joins their errors.
func (m *Multi) Publish(ctx context.Context, t model.Transfer) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, t); err != nil {
			metrics.FeedPublishFailures.WithLabelValues(s.Name).Inc()
			slog.Warn("transfer feed publish failed", "sink", s.Name, "transfer_id", t.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
