package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Ingester runs trusted messages through the message pipeline.
type Ingester interface {
	IngestSystemMessage(ctx context.Context, d domain.Draft) (*domain.Message, error)
}

// SystemMessage is what other services put on the inbound topic.
type SystemMessage struct {
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Text           string              `json:"text"`
	Attachments    []domain.Attachment `json:"attachments"`
}

func decodeSystemMessage(raw []byte) (domain.Draft, error) {
	var sm SystemMessage
	if err := json.Unmarshal(raw, &sm); err != nil {
		return domain.Draft{}, apperr.Validationf("malformed system message: %v", err)
	}
	if sm.ConversationID == "" {
		return domain.Draft{}, apperr.Validation("conversationId is required")
	}
	return domain.Draft{
		ConversationID: sm.ConversationID,
		SenderID:       sm.SenderID,
		Text:           sm.Text,
		Type:           domain.MessageSystem,
		Attachments:    sm.Attachments,
	}, nil
}

type Consumer struct {
	reader *kafka.Reader
	ingest Ingester
	log    *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, ingest Ingester, log *zap.SugaredLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, ingest: ingest, log: log}
}

// Run reads until ctx is done. Read errors back off exponentially; a message that
// fails validation is logged and skipped so it cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			wait := bo.NextBackOff()
			c.log.Warnw("kafka read", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	d, err := decodeSystemMessage(m.Value)
	if err != nil {
		c.log.Warnw("skip inbound message", "offset", m.Offset, "partition", m.Partition, "err", err)
		return
	}
	msg, err := c.ingest.IngestSystemMessage(ctx, d)
	if err != nil {
		c.log.Errorw("ingest system message", "conversation", d.ConversationID, "err", err)
		return
	}
	c.log.Debugw("system message ingested", "id", msg.ID, "conversation", msg.ConversationID)
}

func (c *Consumer) Close() error { return c.reader.Close() }
