package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Delivery is one pre-encoded frame destined for a channel.
type Delivery struct {
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"payload"`
}

// RelayEvent carries the deliveries of one fan-out to the other nodes.
type RelayEvent struct {
	Source     string     `json:"source"`
	Deliveries []Delivery `json:"deliveries"`
	SentAt     time.Time  `json:"sent_at"`
}

// Relay moves fan-out events between broker nodes.
type Relay interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Consume blocks, invoking handle for every event, until ctx is cancelled.
	Consume(ctx context.Context, handle func([]byte)) error
}

// RedisRelay relays events over a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay constructs a Redis relay on the given pub/sub channel.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

// Name identifies the transport.
func (r *RedisRelay) Name() string {
	return "redis"
}

// Publish sends the payload to every subscribed node.
func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Consume reads the pub/sub channel until ctx is cancelled.
func (r *RedisRelay) Consume(ctx context.Context, handle func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle([]byte(msg.Payload))
	}
}

// NATSRelay relays events over a NATS subject. Every node subscribes without a
// queue group so each one receives every event.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRelay constructs a NATS relay. Colons in base are mapped to subject separators.
func NewNATSRelay(conn *nats.Conn, base string) *NATSRelay {
	return &NATSRelay{conn: conn, subject: NATSSubject(base)}
}

// NATSSubject derives the relay subject from the configured channel base.
func NATSSubject(base string) string {
	return strings.ReplaceAll(base, ":", ".") + ".fanout"
}

// Name identifies the transport.
func (r *NATSRelay) Name() string {
	return "nats"
}

// Subject returns the subject the relay publishes to.
func (r *NATSRelay) Subject() string {
	return r.subject
}

// Publish sends the payload to every subscribed node.
func (r *NATSRelay) Publish(_ context.Context, payload []byte) error {
	return r.conn.Publish(r.subject, payload)
}

// Consume subscribes to the subject and drains the subscription once ctx is cancelled.
func (r *NATSRelay) Consume(ctx context.Context, handle func([]byte)) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
