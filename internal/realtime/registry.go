package realtime

import (
	"hash/fnv"
	"sync"

	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

const publishStripes = 64

// PublishResult summarises a single publish call.
type PublishResult struct {
	Subscribers int
	Delivered   int
	Evicted     int
}

// Registry maps channel names to their subscribed sessions. It knows nothing about the domain.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}

	// publishing to the same channel is serialised so every subscriber sees call order.
	stripes [publishStripes]sync.Mutex
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[*Session]struct{})}
}

// Subscribe adds the session to a channel. Subscribing twice is a no-op.
func (r *Registry) Subscribe(channel string, session *Session) bool {
	if session == nil || channel == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session.isClosed() {
		return false
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[*Session]struct{})
		r.channels[channel] = members
	}
	if _, exists := members[session]; exists {
		return false
	}
	members[session] = struct{}{}
	session.addChannel(channel)
	return true
}

// Unsubscribe removes the session from a channel. Absent sessions are ignored.
func (r *Registry) Unsubscribe(channel string, session *Session) bool {
	if session == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, exists := members[session]; !exists {
		return false
	}
	delete(members, session)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	session.removeChannel(channel)
	return true
}

// Subscribers returns a snapshot of the sessions subscribed to channel.
func (r *Registry) Subscribers(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]*Session, 0, len(members))
	for session := range members {
		out = append(out, session)
	}
	return out
}

// Publish enqueues payload on every current subscriber of channel. The registry lock
// is released before any session is touched; enqueueing never blocks.
func (r *Registry) Publish(channel string, payload []byte) PublishResult {
	stripe := &r.stripes[stripeFor(channel)]
	stripe.Lock()
	defer stripe.Unlock()

	subscribers := r.Subscribers(channel)
	result := PublishResult{Subscribers: len(subscribers)}
	for _, session := range subscribers {
		accepted, evicted := session.Enqueue(payload)
		if accepted {
			result.Delivered++
		}
		if evicted {
			result.Evicted++
		}
	}

	if result.Delivered > 0 {
		observability.FanoutDeliveries().WithLabelValues(channelKindOf(channel)).Add(float64(result.Delivered))
	}
	return result
}

// DropSession removes the session from every channel it joined.
func (r *Registry) DropSession(session *Session) []string {
	if session == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := session.takeChannels()
	for _, name := range names {
		members, ok := r.channels[name]
		if !ok {
			continue
		}
		delete(members, session)
		if len(members) == 0 {
			delete(r.channels, name)
		}
	}
	return names
}

// ChannelCount returns the number of channels with at least one subscriber.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func stripeFor(channel string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return h.Sum32() % publishStripes
}
