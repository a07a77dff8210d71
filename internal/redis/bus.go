package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// frame is what travels between instances on the fan-out channel.
type frame struct {
	Origin  string   `json:"origin"`
	Groups  []string `json:"groups"`
	Exclude string   `json:"exclude,omitempty"`
	Payload []byte   `json:"payload"`
}

// DeliverFunc hands a remote frame to the local hub.
type DeliverFunc func(groups []string, exclude string, payload []byte) int

// Bus relays hub publishes to every other instance over redis pub/sub.
type Bus struct {
	client   *redis.Client
	channel  string
	instance string
	log      *zap.SugaredLogger
}

func NewBus(c *redis.Client, channel, instance string, log *zap.SugaredLogger) *Bus {
	return &Bus{client: c, channel: channel, instance: instance, log: log}
}

func encodeFrame(origin string, groups []string, exclude string, payload []byte) ([]byte, error) {
	return json.Marshal(frame{Origin: origin, Groups: groups, Exclude: exclude, Payload: payload})
}

// decodeFrame returns ok=false for malformed frames and for frames this instance sent.
func decodeFrame(self string, raw []byte) (frame, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, false
	}
	if f.Origin == self || len(f.Groups) == 0 {
		return f, false
	}
	return f, true
}

// Relay implements hub.Relay.
func (b *Bus) Relay(ctx context.Context, groups []string, exclude string, payload []byte) error {
	raw, err := encodeFrame(b.instance, groups, exclude, payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Run subscribes until ctx is done, resubscribing with exponential backoff when the
// subscription drops.
func (b *Bus) Run(ctx context.Context, deliver DeliverFunc) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		err := b.subscribe(ctx, deliver, bo.Reset)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		b.log.Warnw("fan-out subscription lost", "channel", b.channel, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *Bus) subscribe(ctx context.Context, deliver DeliverFunc, healthy func()) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	healthy()
	b.log.Infow("fan-out subscribed", "channel", b.channel, "instance", b.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			f, ok := decodeFrame(b.instance, []byte(msg.Payload))
			if !ok {
				continue
			}
			deliver(f.Groups, f.Exclude, f.Payload)
		}
	}
}
