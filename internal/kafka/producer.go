package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event is the value written to the outbound topic.
type Event struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Instance string    `json:"instance,omitempty"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload"`
}

// Producer streams domain events. Writes are async; failures are logged by the
// completion callback and never reach the caller.
type Producer struct {
	writer   *kafka.Writer
	topic    string
	instance string
	log      *zap.SugaredLogger
}

func NewProducer(brokers []string, topic, instance string, log *zap.SugaredLogger) *Producer {
	p := &Producer{topic: topic, instance: instance, log: log}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same key, same partition: per-conversation order
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion:   p.completion,
	}
	return p
}

func (p *Producer) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.log.Errorw("kafka publish failed", "topic", p.topic, "count", len(messages), "err", err)
}

func encodeEvent(instance, key, kind string, payload any, at time.Time) ([]byte, error) {
	return json.Marshal(Event{Kind: kind, Key: key, Instance: instance, Time: at, Payload: payload})
}

// Emit implements service.EventSink.
func (p *Producer) Emit(ctx context.Context, key, kind string, payload any) {
	now := time.Now().UTC()
	b, err := encodeEvent(p.instance, key, kind, payload, now)
	if err != nil {
		p.log.Errorw("encode event", "kind", kind, "err", err)
		return
	}
	msg := kafka.Message{Key: []byte(key), Value: b, Time: now}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warnw("kafka enqueue failed", "kind", kind, "err", err)
	}
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
