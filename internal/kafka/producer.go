package kafka

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer}
}

// Publish writes one message synchronously. Keys are hashed to partitions so
// every event of an order lands on the same partition, in order.
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	return p.writer.WriteMessages(ctx, newMessage(key, value, headers, time.Now()))
}

// newMessage sorts headers by key so identical events produce identical records.
func newMessage(key string, value []byte, headers map[string]string, at time.Time) kafka.Message {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  at,
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
