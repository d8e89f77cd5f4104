package handler_test

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
)

func TestWebsocketHandshakeP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("latency check skipped in short mode")
	}

	f := newAPIFixture(t)
	addr := f.listen(t)
	token := tokenFor(t, 10, models.RoleResident)
	url := "ws://" + addr + "/api/v1/messaging/ws?token=" + token

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	clients := 200
	durations := make([]time.Duration, 0, clients)

	for i := 0; i < clients; i++ {
		start := time.Now()
		conn, resp, err := dialer.Dial(url, http.Header{"X-Correlation-ID": {"perf-" + strconv.Itoa(i)}})
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		frame := readFrame(t, conn)
		require.Equal(t, realtime.FrameConnectionEstablished, frame.Event)
		_ = conn.Close()

		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := percentile(durations, 0.95)
	require.LessOrEqual(t, p95, 250*time.Millisecond, "websocket handshake p95 %s", p95)
}

func TestWebsocketSessionsAreReleased(t *testing.T) {
	f := newAPIFixture(t)
	addr := f.listen(t)

	conn := dial(t, addr, tokenFor(t, 20, models.RoleStaff))
	require.Equal(t, realtime.FrameConnectionEstablished, readFrame(t, conn).Event)
	require.Equal(t, 1, f.broker.SessionCount())

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "user.20"}))
	require.Equal(t, realtime.FrameSubscriptionSucceeded, readFrame(t, conn).Event)
	require.Len(t, f.broker.Registry().Subscribers("user.20"), 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.broker.SessionCount() == 0 && len(f.broker.Registry().Subscribers("user.20")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func percentile(values []time.Duration, pct float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(math.Ceil(pct*float64(len(values)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}
