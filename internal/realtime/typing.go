package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

const (
	// DefaultTypingLiveness is how long an indicator counts as active after the last refresh.
	DefaultTypingLiveness = 3 * time.Second
	// DefaultTypingStaleAfter is the age at which the sweeper removes an indicator.
	DefaultTypingStaleAfter = 5 * time.Second
	// DefaultTypingSweepInterval is the sweeper period.
	DefaultTypingSweepInterval = 2 * time.Second

	typingEmitStripes = 64
)

type typingKey struct {
	conversationID uint
	userID         uint
}

// TypingIndicator records that a user is typing in a conversation.
type TypingIndicator struct {
	ConversationID  uint
	UserID          uint
	StartedTypingAt time.Time
	LastActivityAt  time.Time
}

// TypingTracker holds ephemeral per-(conversation, user) typing state.
type TypingTracker struct {
	mu         sync.Mutex
	indicators map[typingKey]TypingIndicator
	liveness   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	// emitLocks order transition broadcasts of the same (conversation, user) pair.
	emitLocks [typingEmitStripes]sync.Mutex
}

// NewTypingTracker constructs a tracker. staleAfter is raised to liveness when smaller.
func NewTypingTracker(liveness, staleAfter time.Duration, logger zerolog.Logger) *TypingTracker {
	if liveness <= 0 {
		liveness = DefaultTypingLiveness
	}
	if staleAfter <= 0 {
		staleAfter = DefaultTypingStaleAfter
	}
	if staleAfter < liveness {
		staleAfter = liveness
	}
	return &TypingTracker{
		indicators: make(map[typingKey]TypingIndicator),
		liveness:   liveness,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "typing_tracker").Logger(),
	}
}

// SetClock overrides the time source.
func (t *TypingTracker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Start records activity and reports whether the user just transitioned into typing.
// A refresh while the indicator is still active is silent.
func (t *TypingTracker) Start(conversationID, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := typingKey{conversationID: conversationID, userID: userID}
	current, exists := t.indicators[key]
	if exists && t.activeAt(current, now) {
		current.LastActivityAt = now
		t.indicators[key] = current
		return false
	}

	t.indicators[key] = TypingIndicator{
		ConversationID:  conversationID,
		UserID:          userID,
		StartedTypingAt: now,
		LastActivityAt:  now,
	}
	return true
}

// Stop removes the indicator and reports whether one existed.
func (t *TypingTracker) Stop(conversationID, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationID: conversationID, userID: userID}
	if _, exists := t.indicators[key]; !exists {
		return false
	}
	delete(t.indicators, key)
	return true
}

// StartAndEmit runs Start and, on a transition, calls emit before any later
// transition of the same pair can be decided.
func (t *TypingTracker) StartAndEmit(conversationID, userID uint, emit func()) bool {
	lock := t.emitLock(conversationID, userID)
	lock.Lock()
	defer lock.Unlock()

	if !t.Start(conversationID, userID) {
		return false
	}
	if emit != nil {
		emit()
	}
	return true
}

// StopAndEmit is the Stop counterpart of StartAndEmit.
func (t *TypingTracker) StopAndEmit(conversationID, userID uint, emit func()) bool {
	lock := t.emitLock(conversationID, userID)
	lock.Lock()
	defer lock.Unlock()

	if !t.Stop(conversationID, userID) {
		return false
	}
	if emit != nil {
		emit()
	}
	return true
}

func (t *TypingTracker) emitLock(conversationID, userID uint) *sync.Mutex {
	return &t.emitLocks[(conversationID*31+userID)%typingEmitStripes]
}

// IsActive reports whether the user has refreshed within the liveness window.
func (t *TypingTracker) IsActive(conversationID, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	indicator, exists := t.indicators[typingKey{conversationID: conversationID, userID: userID}]
	return exists && t.activeAt(indicator, t.now())
}

// Exists reports whether an indicator row is still held, active or not.
func (t *TypingTracker) Exists(conversationID, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, exists := t.indicators[typingKey{conversationID: conversationID, userID: userID}]
	return exists
}

// Active lists the active indicators of a conversation, oldest first, skipping excludeUserID.
func (t *TypingTracker) Active(conversationID, excludeUserID uint) []TypingIndicator {
	t.mu.Lock()
	now := t.now()
	out := make([]TypingIndicator, 0)
	for key, indicator := range t.indicators {
		if key.conversationID != conversationID || key.userID == excludeUserID {
			continue
		}
		if t.activeAt(indicator, now) {
			out = append(out, indicator)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedTypingAt.Equal(out[j].StartedTypingAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedTypingAt.Before(out[j].StartedTypingAt)
	})
	return out
}

// Sweep removes indicators idle for longer than the stale window. It emits no events.
func (t *TypingTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.staleAfter)
	removed := 0
	for key, indicator := range t.indicators {
		if indicator.LastActivityAt.Before(cutoff) {
			delete(t.indicators, key)
			removed++
		}
	}
	if removed > 0 {
		observability.TypingReaped().Add(float64(removed))
	}
	return removed
}

// Len returns the number of held indicators.
func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.indicators)
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTypingSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(); removed > 0 {
				t.logger.Debug().Int("removed", removed).Msg("reaped stale typing indicators")
			}
		}
	}
}

func (t *TypingTracker) activeAt(indicator TypingIndicator, now time.Time) bool {
	return now.Sub(indicator.LastActivityAt) <= t.liveness
}
