package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/dto"
	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

const relayPublishTimeout = 2 * time.Second

// Engine turns durable domain events into channel publications.
type Engine struct {
	registry *Registry
	relay    Relay
	nodeID   string
	logger   zerolog.Logger
}

// NewEngine constructs a fan-out engine. relay may be nil for single node deployments.
func NewEngine(registry *Registry, relay Relay, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		relay:    relay,
		nodeID:   uuid.NewString(),
		logger:   logger.With().Str("component", "realtime_fanout").Logger(),
	}
}

// NodeID identifies this process on the relay.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// MessageSent publishes to the conversation channel, then to the personal channel of
// every participant other than the sender. Call only after the message is durable.
func (e *Engine) MessageSent(ctx context.Context, conversation models.Conversation, senderID uint, envelope dto.MessageSentEnvelope) {
	channels := []string{ConversationChannel(conversation.ID)}
	for _, participant := range conversation.ParticipantIDs() {
		if participant == senderID {
			continue
		}
		channels = append(channels, UserChannel(participant))
	}

	e.dispatch(ctx, dto.EventMessageSent, channels, envelope)
}

// TypingChanged publishes to the conversation channel only.
func (e *Engine) TypingChanged(ctx context.Context, envelope dto.TypingEnvelope) {
	state := "stopped"
	if envelope.IsTyping {
		state = "started"
	}
	observability.TypingEvents().WithLabelValues(state).Inc()

	e.dispatch(ctx, dto.EventTyping, []string{ConversationChannel(envelope.ConversationID)}, envelope)
}

// Receive replays a relay event from another node into the local registry.
func (e *Engine) Receive(data []byte) {
	var event RelayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		e.logger.Warn().Err(err).Msg("invalid relay event")
		return
	}
	if event.Source == e.nodeID {
		return
	}

	e.publishLocal(event.Deliveries)
	transport := "unknown"
	if e.relay != nil {
		transport = e.relay.Name()
	}
	observability.RelayEvents().WithLabelValues(transport, "in").Inc()
}

// Run consumes the relay until ctx is cancelled. It returns immediately without a relay.
func (e *Engine) Run(ctx context.Context) {
	if e.relay == nil {
		return
	}
	if err := e.relay.Consume(ctx, e.Receive); err != nil {
		e.logger.Error().Err(err).Str("transport", e.relay.Name()).Msg("relay subscription closed")
	}
}

func (e *Engine) dispatch(ctx context.Context, event string, channels []string, data interface{}) {
	deliveries := make([]Delivery, 0, len(channels))
	for _, channel := range channels {
		frame, err := encodeFrame(event, channel, data)
		if err != nil {
			e.logger.Error().Err(err).Str("event", event).Msg("failed to encode delivery frame")
			return
		}
		deliveries = append(deliveries, Delivery{Channel: channel, Frame: frame})
	}

	e.publishLocal(deliveries)
	e.publishRelay(ctx, deliveries)
}

func (e *Engine) publishLocal(deliveries []Delivery) {
	for _, delivery := range deliveries {
		result := e.registry.Publish(delivery.Channel, delivery.Frame)
		if result.Evicted > 0 {
			e.logger.Warn().
				Str("channel", delivery.Channel).
				Int("evicted", result.Evicted).
				Msg("slow subscribers lost queued frames")
		}
	}
}

func (e *Engine) publishRelay(ctx context.Context, deliveries []Delivery) {
	if e.relay == nil || len(deliveries) == 0 {
		return
	}

	payload, err := json.Marshal(RelayEvent{
		Source:     e.nodeID,
		Deliveries: deliveries,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode relay event")
		return
	}

	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()

	if err := e.relay.Publish(relayCtx, payload); err != nil {
		e.logger.Warn().Err(err).Str("transport", e.relay.Name()).Msg("failed to relay fan-out")
		return
	}
	observability.RelayEvents().WithLabelValues(e.relay.Name(), "out").Inc()
}
