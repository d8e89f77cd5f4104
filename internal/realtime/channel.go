package realtime

import (
	"strconv"
	"strings"
)

const (
	conversationPrefix = "conversation."
	userPrefix         = "user."
	privatePrefix      = "private-"
)

// ChannelKind classifies a channel name.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelConversation
	ChannelUser
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelConversation:
		return "conversation"
	case ChannelUser:
		return "user"
	default:
		return "unknown"
	}
}

// Channel is a parsed channel name.
type Channel struct {
	Kind ChannelKind
	ID   uint
	Name string
}

// ConversationChannel returns the channel name for a conversation.
func ConversationChannel(id uint) string {
	return conversationPrefix + strconv.FormatUint(uint64(id), 10)
}

// UserChannel returns the personal channel name for a user.
func UserChannel(id uint) string {
	return userPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseChannel recognises conversation.<id> and user.<id>, with an optional private- prefix.
// Name is always the canonical form without the prefix.
func ParseChannel(name string) (Channel, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), privatePrefix)

	var (
		kind ChannelKind
		raw  string
	)
	switch {
	case strings.HasPrefix(name, conversationPrefix):
		kind, raw = ChannelConversation, strings.TrimPrefix(name, conversationPrefix)
	case strings.HasPrefix(name, userPrefix):
		kind, raw = ChannelUser, strings.TrimPrefix(name, userPrefix)
	default:
		return Channel{}, false
	}

	id, ok := parseID(raw)
	if !ok {
		return Channel{}, false
	}

	channel := Channel{Kind: kind, ID: id}
	if kind == ChannelConversation {
		channel.Name = ConversationChannel(id)
	} else {
		channel.Name = UserChannel(id)
	}
	return channel, true
}

func parseID(raw string) (uint, bool) {
	if raw == "" || raw[0] < '1' || raw[0] > '9' {
		return 0, false
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == 0 || parsed != uint64(uint(parsed)) {
		return 0, false
	}
	return uint(parsed), true
}

// channelKindOf is used for metric labels on already-canonical names.
func channelKindOf(name string) string {
	if channel, ok := ParseChannel(name); ok {
		return channel.Kind.String()
	}
	return ChannelUnknown.String()
}
