package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
)

// KafkaSink writes each envelope to one topic, keyed by envelope type.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}),
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, env broadcast.Envelope) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Type),
		Value: env.Payload,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
