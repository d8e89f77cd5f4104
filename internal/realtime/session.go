package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

const (
	// DefaultQueueSize bounds the outbound queue of a session.
	DefaultQueueSize = 64
	writeWait        = 10 * time.Second
)

// Server frame events that are not domain events.
const (
	FrameConnectionEstablished = "connection.established"
	FrameSubscriptionSucceeded = "subscription.succeeded"
	FrameSubscriptionError     = "subscription.error"
	FrameUnsubscribed          = "unsubscription.succeeded"
	FramePong                  = "pong"
	FrameMissedUpdates         = "connection.missed_updates"
	FrameError                 = "error"
)

// Principal is the authenticated identity behind a session. A zero UserID is anonymous.
type Principal struct {
	UserID uint
	Role   string
}

// Authenticated reports whether the principal carries an identity.
func (p Principal) Authenticated() bool {
	return p.UserID != 0
}

// IsStaff reports whether the principal is staff or admin.
func (p Principal) IsStaff() bool {
	return models.IsStaffRole(p.Role)
}

// Conn is the subset of a websocket connection used by a session.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ServerFrame is the JSON frame written to clients.
type ServerFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientFrame is the JSON frame read from clients.
type ClientFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// Session is one live client connection with its bounded outbound queue.
type Session struct {
	id        string
	principal Principal
	conn      Conn
	logger    zerolog.Logger

	mu         sync.Mutex
	queue      [][]byte
	capacity   int
	overflowed bool
	channels   map[string]struct{}

	notify     chan struct{}
	closed     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	lastSeen   atomic.Int64
}

// NewSession constructs a session. conn may be nil for sessions that are only drained in-process.
func NewSession(principal Principal, conn Conn, queueSize int, logger zerolog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		principal: principal,
		conn:      conn,
		logger:    logger.With().Str("session_id", id).Uint("user_id", principal.UserID).Logger(),
		queue:     make([][]byte, 0, queueSize),
		capacity:  queueSize,
		channels:  make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.Touch()
	return s
}

// ID returns the socket id announced to the client.
func (s *Session) ID() string {
	return s.id
}

// Principal returns the identity bound at handshake.
func (s *Session) Principal() Principal {
	return s.principal
}

// Channels returns a copy of the subscribed channel names.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}

// Touch records client activity.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last client frame.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Enqueue appends a frame without blocking. When the queue is full the oldest
// frame is evicted and the session is flagged so the client learns it missed updates.
func (s *Session) Enqueue(frame []byte) (accepted, evicted bool) {
	if s.isClosed() {
		return false, false
	}

	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.overflowed = true
		evicted = true
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	if evicted {
		observability.QueueOverflows().Inc()
		s.logger.Warn().Msg("session queue full, dropped oldest frame")
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, evicted
}

// Drain removes every queued frame and reports whether frames were evicted since the last drain.
func (s *Session) Drain() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	missed := s.overflowed
	s.queue = make([][]byte, 0, s.capacity)
	s.overflowed = false
	return frames, missed
}

// Pending returns the number of frames waiting to be written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops the writer and closes the connection. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) addChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = struct{}{}
	return true
}

func (s *Session) removeChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

func (s *Session) takeChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	s.channels = make(map[string]struct{})
	return out
}

// sendControl enqueues a control frame.
func (s *Session) sendControl(event, channel string, data interface{}) {
	frame, err := encodeFrame(event, channel, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to encode control frame")
		return
	}
	s.Enqueue(frame)
}

// writeLoop owns all writes to the connection. writerDone is closed once it returns.
func (s *Session) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.closed:
			return
		case <-s.notify:
			frames, missed := s.Drain()
			if missed {
				notice, _ := encodeFrame(FrameMissedUpdates, "", nil)
				if err := s.write(websocket.TextMessage, notice); err != nil {
					return
				}
			}
			for _, frame := range frames {
				if err := s.write(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.logger.Debug().Err(err).Msg("session write failed")
		return err
	}
	return nil
}

func encodeFrame(event, channel string, data interface{}) ([]byte, error) {
	frame := ServerFrame{Event: event, Channel: channel}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}
