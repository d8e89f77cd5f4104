package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(clock *fakeClock) *TypingTracker {
	tracker := NewTypingTracker(DefaultTypingLiveness, DefaultTypingStaleAfter, zerolog.Nop())
	tracker.SetClock(clock.Now)
	return tracker
}

func TestTypingStartTransitionsOnce(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	require.True(t, tracker.Start(1, 10))
	require.True(t, tracker.IsActive(1, 10))

	clock.Advance(2 * time.Second)
	require.False(t, tracker.Start(1, 10), "keep-alive refresh is silent")

	clock.Advance(2 * time.Second)
	require.True(t, tracker.IsActive(1, 10), "refresh extended the liveness window")
}

func TestTypingLivenessLapsesBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.Start(1, 10)

	clock.Advance(3*time.Second + time.Millisecond)
	require.False(t, tracker.IsActive(1, 10))
	require.True(t, tracker.Exists(1, 10))
	require.Zero(t, tracker.Sweep())

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, tracker.Sweep())
	require.False(t, tracker.Exists(1, 10))
}

func TestTypingStartAfterLapseIsNewTransition(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.Start(1, 10)

	clock.Advance(4 * time.Second)
	require.True(t, tracker.Start(1, 10))
}

func TestTypingStopReportsExistingIndicator(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	require.False(t, tracker.Stop(1, 10))

	tracker.Start(1, 10)
	require.True(t, tracker.Stop(1, 10))
	require.False(t, tracker.IsActive(1, 10))
	require.False(t, tracker.Stop(1, 10))
}

func TestTypingActiveExcludesCallerAndLapsed(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)

	tracker.Start(1, 30)
	clock.Advance(time.Second)
	tracker.Start(1, 10)
	tracker.Start(1, 20)
	tracker.Start(2, 40)

	active := tracker.Active(1, 10)
	require.Len(t, active, 2)
	require.Equal(t, uint(30), active[0].UserID)
	require.Equal(t, uint(20), active[1].UserID)

	clock.Advance(2500 * time.Millisecond)
	active = tracker.Active(1, 10)
	require.Len(t, active, 1)
	require.Equal(t, uint(20), active[0].UserID)
}

func TestTypingRunStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	tracker.Start(1, 10)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return tracker.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestTypingEmitsTransitionsInOrder(t *testing.T) {
	tracker := newTestTracker(newFakeClock())

	var emitted []bool
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tracker.StartAndEmit(1, 10, func() {
				time.Sleep(time.Millisecond)
				emitted = append(emitted, true)
			})
		}()
		go func() {
			defer wg.Done()
			tracker.StopAndEmit(1, 10, func() { emitted = append(emitted, false) })
		}()
	}
	wg.Wait()

	require.NotEmpty(t, emitted)
	require.True(t, emitted[0], "first broadcast is a start")
	for i := 1; i < len(emitted); i++ {
		require.NotEqual(t, emitted[i-1], emitted[i], "broadcast %d repeats the previous state", i)
	}
	require.Equal(t, tracker.Exists(1, 10), emitted[len(emitted)-1])
}

func TestTypingEmitSkippedWithoutTransition(t *testing.T) {
	tracker := newTestTracker(newFakeClock())
	calls := 0
	emit := func() { calls++ }

	require.False(t, tracker.StopAndEmit(1, 10, emit))
	require.True(t, tracker.StartAndEmit(1, 10, emit))
	require.False(t, tracker.StartAndEmit(1, 10, emit))
	require.True(t, tracker.StopAndEmit(1, 10, emit))
	require.Equal(t, 2, calls)
}
