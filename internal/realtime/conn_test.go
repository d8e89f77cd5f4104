package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory websocket connection that honours read deadlines.
type fakeConn struct {
	incoming chan []byte
	written  chan []byte
	pings    chan struct{}
	closed   chan struct{}
	once     sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		written:  make(chan []byte, 256),
		pings:    make(chan struct{}, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	case <-timeout:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	switch messageType {
	case websocket.TextMessage:
		c.written <- append([]byte(nil), data...)
	case websocket.PingMessage:
		select {
		case c.pings <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, frame ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) next(t *testing.T) ServerFrame {
	t.Helper()
	select {
	case data := <-c.written:
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server frame")
		return ServerFrame{}
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func testSession(userID uint, role string, queueSize int) *Session {
	return NewSession(Principal{UserID: userID, Role: role}, nil, queueSize, zerolog.Nop())
}

func drainedFrames(t *testing.T, session *Session) []ServerFrame {
	t.Helper()
	raw, _ := session.Drain()
	frames := make([]ServerFrame, 0, len(raw))
	for _, data := range raw {
		var frame ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
	}
	return frames
}
