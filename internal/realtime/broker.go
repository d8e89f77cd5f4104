package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

const (
	// DefaultIdleTimeout disconnects sessions that send nothing for this long.
	DefaultIdleTimeout = 60 * time.Second

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// Options configures a Broker.
type Options struct {
	QueueSize           int
	IdleTimeout         time.Duration
	AuthTimeout         time.Duration
	SharedStaffInbox    bool
	TypingLiveness      time.Duration
	TypingStaleAfter    time.Duration
	TypingSweepInterval time.Duration
}

// Broker owns the process-wide realtime state. Build one at startup and inject it.
type Broker struct {
	registry *Registry
	gate     *Gate
	engine   *Engine
	typing   *TypingTracker
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewBroker wires registry, gate, fan-out engine and typing tracker.
func NewBroker(conversations ConversationLookup, relay Relay, opts Options, logger zerolog.Logger) *Broker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TypingSweepInterval <= 0 {
		opts.TypingSweepInterval = DefaultTypingSweepInterval
	}

	registry := NewRegistry()
	return &Broker{
		registry: registry,
		gate:     NewGate(conversations, GateOptions{SharedStaffInbox: opts.SharedStaffInbox, Timeout: opts.AuthTimeout}, logger),
		engine:   NewEngine(registry, relay, logger),
		typing:   NewTypingTracker(opts.TypingLiveness, opts.TypingStaleAfter, logger),
		opts:     opts,
		logger:   logger.With().Str("component", "realtime_broker").Logger(),
		sessions: make(map[*Session]struct{}),
	}
}

// Registry exposes the channel registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Gate exposes the authorization gate.
func (b *Broker) Gate() *Gate { return b.gate }

// Engine exposes the fan-out engine.
func (b *Broker) Engine() *Engine { return b.engine }

// Typing exposes the typing tracker.
func (b *Broker) Typing() *TypingTracker { return b.typing }

// Start launches the typing sweeper and relay consumer. Both stop when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.typing.Run(ctx, b.opts.TypingSweepInterval)
	}()
	go func() {
		defer b.wg.Done()
		b.engine.Run(ctx)
	}()
}

// Shutdown closes every live session and waits for background tasks to exit.
// ctx passed to Start must already be cancelled.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closing = true
	sessions := make([]*Session, 0, len(b.sessions))
	for session := range b.sessions {
		sessions = append(sessions, session)
	}
	b.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	b.wg.Wait()
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Authorize runs the gate without touching the registry.
func (b *Broker) Authorize(ctx context.Context, principal Principal, channel string) (Channel, error) {
	return b.gate.Authorize(ctx, principal, channel)
}

// Subscribe authorizes and then registers the session on the canonical channel name.
func (b *Broker) Subscribe(ctx context.Context, session *Session, channelName string) (Channel, error) {
	channel, err := b.gate.Authorize(ctx, session.Principal(), channelName)
	if err != nil {
		return Channel{}, err
	}
	b.registry.Subscribe(channel.Name, session)
	return channel, nil
}

// Unsubscribe removes the session from a channel.
func (b *Broker) Unsubscribe(session *Session, channelName string) string {
	name := channelName
	if channel, ok := ParseChannel(channelName); ok {
		name = channel.Name
	}
	b.registry.Unsubscribe(name, session)
	return name
}

// Serve runs a session over conn until the client disconnects, idles out or the broker shuts down.
func (b *Broker) Serve(ctx context.Context, conn Conn, principal Principal) {
	session := NewSession(principal, conn, b.opts.QueueSize, b.logger)
	if !b.track(session) {
		session.Close()
		return
	}

	observability.SessionsTotal().Inc()
	observability.SessionsActive().Inc()
	writerStarted := false
	defer func() {
		session.Close()
		// The connection is recycled by the upgrader once Serve returns.
		if writerStarted {
			<-session.writerDone
		}
		b.registry.DropSession(session)
		b.untrack(session)
		observability.SessionsActive().Dec()
		session.logger.Debug().Msg("realtime session closed")
	}()

	session.sendControl(FrameConnectionEstablished, "", map[string]string{"socket_id": session.ID()})

	pingInterval := b.opts.IdleTimeout / 2
	if pingInterval <= 0 {
		pingInterval = time.Second
	}
	writerStarted = true
	go session.writeLoop(pingInterval)

	b.readLoop(ctx, session)
}

func (b *Broker) readLoop(ctx context.Context, session *Session) {
	for {
		_ = session.conn.SetReadDeadline(time.Now().Add(b.opts.IdleTimeout))
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		session.Touch()

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			session.sendControl(FrameError, "", map[string]string{"error": "invalid frame"})
			continue
		}

		switch frame.Action {
		case actionSubscribe:
			b.handleSubscribe(ctx, session, frame.Channel)
		case actionUnsubscribe:
			name := b.Unsubscribe(session, frame.Channel)
			session.sendControl(FrameUnsubscribed, name, nil)
		case actionPing:
			session.sendControl(FramePong, "", nil)
		default:
			session.sendControl(FrameError, "", map[string]string{"error": "invalid frame"})
		}
	}
}

func (b *Broker) handleSubscribe(ctx context.Context, session *Session, channelName string) {
	channel, err := b.Subscribe(ctx, session, channelName)
	if err != nil {
		message := ErrForbidden.Error()
		if errors.Is(err, ErrAuthenticationRequired) {
			message = ErrAuthenticationRequired.Error()
		}
		session.sendControl(FrameSubscriptionError, channelName, map[string]string{"error": message})
		return
	}
	session.sendControl(FrameSubscriptionSucceeded, channel.Name, nil)
}

func (b *Broker) track(session *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.sessions[session] = struct{}{}
	return true
}

func (b *Broker) untrack(session *Session) {
	b.mu.Lock()
	delete(b.sessions, session)
	b.mu.Unlock()
}
