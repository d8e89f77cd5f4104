package dto

import (
	"time"

	"github.com/noah-isme/egov-messaging-api/internal/models"
)

// Broadcast event names carried in the envelope "event" field.
const (
	EventMessageSent = "message.sent"
	EventTyping      = "typing"
)

// AttachmentPayload is the serialized metadata of a stored attachment.
type AttachmentPayload struct {
	Name       string    `json:"name" validate:"required,max=255"`
	Path       string    `json:"path" validate:"required,max=1024"`
	Size       int64     `json:"size" validate:"gte=0"`
	Mime       string    `json:"mime" validate:"required,max=128"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// SendMessageRequest is the payload clients submit to post a message.
type SendMessageRequest struct {
	Content     string              `json:"content" validate:"required,min=1,max=5000"`
	Type        string              `json:"type" validate:"omitempty,oneof=text image file"`
	Attachments []AttachmentPayload `json:"attachments" validate:"omitempty,dive"`
}

// CreateConversationRequest opens (or reuses) a conversation with a specific staff member.
type CreateConversationRequest struct {
	StaffID uint    `json:"staff_id" validate:"required"`
	Subject *string `json:"subject" validate:"omitempty,max=255"`
	Content string  `json:"content" validate:"omitempty,max=5000"`
}

// GeneralConversationRequest opens a conversation with any available staff member.
type GeneralConversationRequest struct {
	Content string `json:"content" validate:"omitempty,max=5000"`
}

// MessageHistoryQuery filters conversation history.
type MessageHistoryQuery struct {
	Before *time.Time `query:"before"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChannelAuthRequest asks whether the caller may subscribe to a channel.
type ChannelAuthRequest struct {
	ChannelName string `json:"channel_name" form:"channel_name" validate:"required,max=200"`
	SocketID    string `json:"socket_id" form:"socket_id" validate:"omitempty,max=128"`
}

// ChannelAuthResponse confirms a granted subscription.
type ChannelAuthResponse struct {
	Channel  string `json:"channel"`
	SocketID string `json:"socket_id,omitempty"`
}

// SenderPayload identifies the author of a broadcast message.
type SenderPayload struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MessagePayload is the serialized representation of a message.
type MessagePayload struct {
	ID          uint                `json:"id"`
	Content     string              `json:"content"`
	Type        string              `json:"type"`
	Attachments []AttachmentPayload `json:"attachments"`
	IsRead      bool                `json:"is_read"`
	IsEdited    bool                `json:"is_edited"`
	CreatedAt   time.Time           `json:"created_at"`
	DisplayTime string              `json:"display_time"`
	Sender      SenderPayload       `json:"sender"`
}

// ConversationSummary is the trimmed conversation snapshot sent with every message event.
type ConversationSummary struct {
	ID                uint       `json:"id"`
	LastMessage       *string    `json:"last_message"`
	LastMessageAt     *time.Time `json:"last_message_at"`
	ResidentHasUnread bool       `json:"resident_has_unread"`
	StaffHasUnread    bool       `json:"staff_has_unread"`
}

// MessageSentEnvelope is broadcast on conversation and personal channels after a durable send.
type MessageSentEnvelope struct {
	Event        string              `json:"event"`
	Message      MessagePayload      `json:"message"`
	Conversation ConversationSummary `json:"conversation"`
}

// TypingUser identifies who is typing.
type TypingUser struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// TypingEnvelope is broadcast on the conversation channel when typing starts or stops.
type TypingEnvelope struct {
	Event          string     `json:"event"`
	User           TypingUser `json:"user"`
	ConversationID uint       `json:"conversation_id"`
	IsTyping       bool       `json:"is_typing"`
}

// ConversationResponse describes a conversation returned by the API.
type ConversationResponse struct {
	ID                uint       `json:"id"`
	ResidentID        uint       `json:"resident_id"`
	StaffID           uint       `json:"staff_id"`
	Subject           *string    `json:"subject"`
	LastMessage       *string    `json:"last_message"`
	LastMessageAt     *time.Time `json:"last_message_at"`
	IsActive          bool       `json:"is_active"`
	ResidentHasUnread bool       `json:"resident_has_unread"`
	StaffHasUnread    bool       `json:"staff_has_unread"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ConversationDetailResponse bundles a conversation with a page of its messages.
type ConversationDetailResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessagePayload     `json:"messages"`
}

// ConversationOpenedResponse is returned when a resident opens a conversation.
type ConversationOpenedResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Message      *MessagePayload      `json:"message,omitempty"`
}

// UnreadCountResponse carries the badge count for the caller.
type UnreadCountResponse struct {
	UnreadCount int64 `json:"unread_count"`
}

// TypingIndicatorResponse describes an active typing indicator.
type TypingIndicatorResponse struct {
	ConversationID  uint      `json:"conversation_id"`
	UserID          uint      `json:"user_id"`
	StartedTypingAt time.Time `json:"started_typing_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// NewMessageSentEnvelope builds the broadcast envelope for a freshly persisted message.
func NewMessageSentEnvelope(message models.Message, conversation models.Conversation, now time.Time) MessageSentEnvelope {
	return MessageSentEnvelope{
		Event:        EventMessageSent,
		Message:      NewMessagePayload(message, now),
		Conversation: NewConversationSummary(conversation),
	}
}

// NewTypingEnvelope builds the broadcast envelope for a typing state change.
func NewTypingEnvelope(conversationID uint, user models.User, typing bool) TypingEnvelope {
	return TypingEnvelope{
		Event:          EventTyping,
		User:           TypingUser{ID: user.ID, Name: user.Name},
		ConversationID: conversationID,
		IsTyping:       typing,
	}
}

// NewMessagePayload converts a message model into its wire form.
func NewMessagePayload(message models.Message, now time.Time) MessagePayload {
	created := message.CreatedAt.UTC()
	return MessagePayload{
		ID:          message.ID,
		Content:     message.Content,
		Type:        message.Type,
		Attachments: NewAttachmentPayloadSlice(message.AttachmentList()),
		IsRead:      message.IsRead,
		IsEdited:    message.IsEdited,
		CreatedAt:   created,
		DisplayTime: DisplayTime(created, now.UTC()),
		Sender: SenderPayload{
			ID:    message.Sender.ID,
			Name:  message.Sender.Name,
			Email: message.Sender.Email,
		},
	}
}

// NewMessagePayloadSlice converts a slice of models into wire payloads.
func NewMessagePayloadSlice(messages []models.Message, now time.Time) []MessagePayload {
	out := make([]MessagePayload, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessagePayload(message, now))
	}
	return out
}

// NewConversationSummary trims a conversation to the fields carried by message events.
func NewConversationSummary(conversation models.Conversation) ConversationSummary {
	summary := ConversationSummary{
		ID:                conversation.ID,
		LastMessage:       conversation.LastMessage,
		ResidentHasUnread: conversation.ResidentHasUnread,
		StaffHasUnread:    conversation.StaffHasUnread,
	}
	if conversation.LastMessageAt != nil {
		at := conversation.LastMessageAt.UTC()
		summary.LastMessageAt = &at
	}
	return summary
}

// NewConversationResponse converts a conversation model into a DTO.
func NewConversationResponse(conversation models.Conversation) ConversationResponse {
	response := ConversationResponse{
		ID:                conversation.ID,
		ResidentID:        conversation.ResidentID,
		StaffID:           conversation.StaffID,
		Subject:           conversation.Subject,
		LastMessage:       conversation.LastMessage,
		IsActive:          conversation.IsActive,
		ResidentHasUnread: conversation.ResidentHasUnread,
		StaffHasUnread:    conversation.StaffHasUnread,
		CreatedAt:         conversation.CreatedAt,
	}
	if conversation.LastMessageAt != nil {
		at := conversation.LastMessageAt.UTC()
		response.LastMessageAt = &at
	}
	return response
}

// NewConversationResponseSlice converts conversations into DTOs.
func NewConversationResponseSlice(items []models.Conversation) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewConversationResponse(item))
	}
	return out
}

// NewAttachmentPayloadSlice converts stored attachments; nil stays nil so the wire carries null.
func NewAttachmentPayloadSlice(items []models.Attachment) []AttachmentPayload {
	if len(items) == 0 {
		return nil
	}
	out := make([]AttachmentPayload, 0, len(items))
	for _, item := range items {
		out = append(out, AttachmentPayload{
			Name:       item.Name,
			Path:       item.Path,
			Size:       item.Size,
			Mime:       item.Mime,
			UploadedAt: item.UploadedAt.UTC(),
		})
	}
	return out
}

// AttachmentModels converts request attachments into their stored form.
func AttachmentModels(items []AttachmentPayload) []models.Attachment {
	if len(items) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(items))
	for _, item := range items {
		out = append(out, models.Attachment{
			Name:       item.Name,
			Path:       item.Path,
			Size:       item.Size,
			Mime:       item.Mime,
			UploadedAt: item.UploadedAt.UTC(),
		})
	}
	return out
}

// DisplayTime renders a short, human friendly timestamp relative to now.
func DisplayTime(created, now time.Time) string {
	short := created.Format("3:04 PM")
	switch {
	case sameDay(created, now):
		return short
	case sameDay(created, now.AddDate(0, 0, -1)):
		return "Yesterday " + short
	default:
		return created.Format("Jan 02, 2006 3:04 PM")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
