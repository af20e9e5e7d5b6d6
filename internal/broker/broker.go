// Package broker fans run lifecycle events out to external consumers over
// Redis pub/sub. It bridges the in-process eventbus to the wire: anything
// the engine publishes locally is mirrored to a namespaced channel.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"schedcore/internal/eventbus"
	logx "schedcore/pkg/logx"
)

// Message is what subscribers receive off the wire.
type Message struct {
	Channel string
	Payload []byte
}

// Envelope is the JSON wire format for forwarded events.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Broker struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// New wraps an existing Redis connection; the broker does not own it.
func New(client *redis.Client, channelPrefix string, log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if channelPrefix == "" {
		channelPrefix = "schedcore"
	}
	return &Broker{client: client, prefix: channelPrefix, log: log}
}

func (b *Broker) channel(topic string) string {
	return b.prefix + "." + topic
}

// Publish JSON-encodes payload and publishes it on the topic's channel.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker encode: %w", err)
	}
	env, err := json.Marshal(Envelope{Type: topic, Time: time.Now(), Data: raw})
	if err != nil {
		return fmt.Errorf("broker encode envelope: %w", err)
	}
	return b.client.Publish(ctx, b.channel(topic), env).Err()
}

// Subscribe delivers raw messages for the topic until ctx is canceled.
// The returned channel closes when the subscription ends.
func (b *Broker) Subscribe(ctx context.Context, topic string) <-chan Message {
	sub := b.client.Subscribe(ctx, b.channel(topic))
	out := make(chan Message, 16)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Forward mirrors eventbus traffic to Redis until ctx is canceled. Send
// failures are logged and dropped; the local bus stays authoritative.
func (b *Broker) Forward(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev.Data)
			if err != nil {
				b.log.Debug("broker drop: unencodable event", logx.String("type", ev.Type), logx.Any("err", err))
				continue
			}
			env, err := json.Marshal(Envelope{Type: ev.Type, Time: ev.Time, Data: raw})
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = b.client.Publish(pctx, b.channel(ev.Type), env).Err()
			cancel()
			if err != nil {
				b.log.Warn("broker publish failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}
