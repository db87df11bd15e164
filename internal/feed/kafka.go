package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaPriceConsumer applies quotes published on a Kafka topic. Each
// message value is one JSON Quote.
type KafkaPriceConsumer struct {
	reader  messageReader
	updater *PriceUpdater
}

// NewKafkaPriceConsumer joins groupID on topic.
func NewKafkaPriceConsumer(brokers []string, topic, groupID string, updater *PriceUpdater) *KafkaPriceConsumer {
	return &KafkaPriceConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
			MaxWait:  500 * time.Millisecond,
		}),
		updater: updater,
	}
}

// Run consumes until ctx is cancelled. A cancelled context is a clean stop.
func (c *KafkaPriceConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		var q Quote
		if err := json.Unmarshal(m.Value, &q); err != nil {
			slog.Warn("bad price message", "offset", m.Offset, "err", err)
			continue
		}
		if q.InstrumentID == "" && len(m.Key) > 0 {
			q.InstrumentID = string(m.Key)
		}
		c.updater.Apply([]Quote{q})
	}
}
