package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"crypto-market-etl/internal/records"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes alerts as JSON keyed by run id, so every alert of
// a run lands on the same partition.
type KafkaChannel struct {
	writer messageWriter
}

func NewKafkaChannel(brokers []string, topic string, timeout time.Duration) *KafkaChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaChannel{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		AllowAutoTopicCreation: true,
	}}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, alert records.AlertPayload) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal kafka alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.RunID),
		Value: value,
		Time:  alert.OccurredAt,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(alert.Severity)},
			{Key: "dag_id", Value: []byte(alert.DagID)},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish kafka alert: %w", err)
	}
	return nil
}

func (c *KafkaChannel) Close() error { return c.writer.Close() }

var _ Channel = (*KafkaChannel)(nil)
