// Package forward publishes trades to Kafka for downstream consumers such
// as ledgers and market data fan-out.
package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"

	"meridian/internal/common"
)

const defaultWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder writes each trade as a JSON message keyed by symbol, so a
// symbol's trades land on one partition in execution order.
type KafkaForwarder struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: defaultWriteTimeout,
	}
}

func (f *KafkaForwarder) OnTrade(t common.Trade) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trade %s: %w", t.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Symbol),
		Value: value,
		Time:  t.Timestamp,
	}); err != nil {
		return fmt.Errorf("forward trade %s: %w", t.ID, err)
	}
	return nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
