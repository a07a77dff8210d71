package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

type ConversationEvent struct {
	ConversationID string                  `json:"conversation_id"`
	Type           domain.ConversationType `json:"type"`
	Name           string                  `json:"name,omitempty"`
	Members        []string                `json:"members"`
	CreatedBy      string                  `json:"created_by,omitempty"`
	At             time.Time               `json:"at"`
}

func Subject(kind string) string { return "conversation." + kind }

func newConversationEvent(c *domain.Conversation, at time.Time) ConversationEvent {
	return ConversationEvent{
		ConversationID: c.ID,
		Type:           c.Type,
		Name:           c.Name,
		Members:        append([]string(nil), c.Participants...),
		CreatedBy:      c.CreatedBy,
		At:             at,
	}
}

// Publisher announces conversation lifecycle changes on NATS.
type Publisher struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

func NewPublisher(url string, log *zap.SugaredLogger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("realtime-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, log: log}, nil
}

// ConversationEvent implements service.LifecycleNotifier.
func (p *Publisher) ConversationEvent(kind string, c *domain.Conversation) error {
	if p == nil || p.nc == nil {
		return nil
	}
	b, err := json.Marshal(newConversationEvent(c, time.Now().UTC()))
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(kind), b)
}

func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warnw("nats drain", "err", err)
	}
}
