package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

var (
	// ErrAuthenticationRequired is returned when no principal is bound to the request.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrForbidden is the generic denial. It never reveals whether a conversation exists.
	ErrForbidden = errors.New("unauthorized")
)

// DefaultAuthTimeout bounds a single authorization decision.
const DefaultAuthTimeout = 3 * time.Second

// ConversationLookup resolves conversations for participancy checks.
type ConversationLookup interface {
	FindByID(ctx context.Context, id uint) (models.Conversation, error)
}

// GateOptions configures the authorization policy.
type GateOptions struct {
	// SharedStaffInbox lets every staff or admin principal join any conversation.
	SharedStaffInbox bool
	Timeout          time.Duration
}

// Gate decides whether a principal may subscribe to a channel.
type Gate struct {
	conversations    ConversationLookup
	sharedStaffInbox bool
	timeout          time.Duration
	logger           zerolog.Logger
}

// NewGate constructs an authorization gate.
func NewGate(conversations ConversationLookup, opts GateOptions, logger zerolog.Logger) *Gate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &Gate{
		conversations:    conversations,
		sharedStaffInbox: opts.SharedStaffInbox,
		timeout:          timeout,
		logger:           logger.With().Str("component", "realtime_gate").Logger(),
	}
}

// Authorize returns the canonical channel on allow, or ErrAuthenticationRequired / ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, principal Principal, channelName string) (Channel, error) {
	if !principal.Authenticated() {
		g.record(principal, channelName, ChannelUnknown, ErrAuthenticationRequired, "anonymous")
		return Channel{}, ErrAuthenticationRequired
	}

	channel, ok := ParseChannel(channelName)
	if !ok {
		g.record(principal, channelName, ChannelUnknown, ErrForbidden, "unrecognised channel")
		return Channel{}, ErrForbidden
	}

	switch channel.Kind {
	case ChannelUser:
		if channel.ID != principal.UserID {
			g.record(principal, channel.Name, channel.Kind, ErrForbidden, "foreign personal channel")
			return Channel{}, ErrForbidden
		}
	case ChannelConversation:
		if reason, err := g.authorizeConversation(ctx, principal, channel.ID); err != nil {
			g.record(principal, channel.Name, channel.Kind, err, reason)
			return Channel{}, err
		}
	}

	g.record(principal, channel.Name, channel.Kind, nil, "")
	return channel, nil
}

// SharedStaffInbox reports whether staff see every conversation.
func (g *Gate) SharedStaffInbox() bool {
	return g.sharedStaffInbox
}

// CanAccessConversation applies the conversation participancy rule to a loaded conversation.
func (g *Gate) CanAccessConversation(principal Principal, conversation models.Conversation) bool {
	if !principal.Authenticated() {
		return false
	}
	if conversation.IsResidentSide(principal.UserID) {
		return true
	}
	if !principal.IsStaff() {
		return false
	}
	return g.sharedStaffInbox || conversation.StaffID == principal.UserID
}

func (g *Gate) authorizeConversation(ctx context.Context, principal Principal, conversationID uint) (string, error) {
	if g.conversations == nil {
		return "no conversation lookup", ErrForbidden
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conversation, err := g.conversations.FindByID(lookupCtx, conversationID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "lookup timed out", ErrForbidden
		}
		return "lookup failed: " + err.Error(), ErrForbidden
	}

	if !g.CanAccessConversation(principal, conversation) {
		return "not a participant", ErrForbidden
	}
	return "", nil
}

func (g *Gate) record(principal Principal, channel string, kind ChannelKind, err error, reason string) {
	decision := "allow"
	if err != nil {
		decision = "deny"
	}
	observability.SubscriptionDecisions().WithLabelValues(kind.String(), decision).Inc()

	event := g.logger.Info()
	if err != nil {
		event = g.logger.Warn().Str("reason", reason)
	}
	event.
		Uint("user_id", principal.UserID).
		Str("role", principal.Role).
		Str("channel", channel).
		Str("decision", decision).
		Msg("channel authorization")
}
