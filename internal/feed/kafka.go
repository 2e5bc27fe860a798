package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/energypool/pool-engine/internal/model"
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes executed transfers as JSON to a topic, keyed by
// pool id so a pool's transfers stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous producer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, t model.Transfer) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("feed: encode transfer %s: %w", t.ID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.PoolID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "transfer_id", Value: []byte(t.ID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
