package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/egov-messaging-api/internal/dto"
	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
	"github.com/noah-isme/egov-messaging-api/internal/repository"
)

var (
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrStoreUnavailable wraps failures of the durable store. Callers may retry.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrNoStaffAvailable indicates no staff account can take a general conversation.
	ErrNoStaffAvailable = errors.New("no staff member is available")
	// ErrStaffNotFound indicates the requested staff member does not exist.
	ErrStaffNotFound = errors.New("staff member not found")
	// ErrResidentOnly indicates the operation is reserved for residents.
	ErrResidentOnly = errors.New("only residents can open conversations")
	// ErrEmptyContent indicates nothing remained after sanitizing the message body.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrTooManyAttachments indicates a message carries more attachments than allowed.
	ErrTooManyAttachments = errors.New("too many attachments")
)

const (
	generalSubject = "General Support"
	// DefaultMaxAttachments bounds the attachments of one message.
	DefaultMaxAttachments = 5
)

// MessagingOption customises the messaging service.
type MessagingOption func(*messagingService)

// WithMaxAttachments sets the per-message attachment limit. Non-positive values keep the default.
func WithMaxAttachments(n int) MessagingOption {
	return func(s *messagingService) {
		if n > 0 {
			s.maxAttachments = n
		}
	}
}

// MessagingService exposes the conversation operations of the broker.
type MessagingService interface {
	OpenConversation(ctx context.Context, principal realtime.Principal, req dto.CreateConversationRequest) (dto.ConversationOpenedResponse, error)
	OpenGeneralConversation(ctx context.Context, principal realtime.Principal, req dto.GeneralConversationRequest) (dto.ConversationOpenedResponse, error)
	ListConversations(ctx context.Context, principal realtime.Principal, limit, offset int) ([]dto.ConversationResponse, error)
	GetConversation(ctx context.Context, principal realtime.Principal, conversationID uint, query dto.MessageHistoryQuery) (dto.ConversationDetailResponse, error)
	ListMessages(ctx context.Context, principal realtime.Principal, conversationID uint, query dto.MessageHistoryQuery) ([]dto.MessagePayload, error)
	SendMessage(ctx context.Context, principal realtime.Principal, conversationID uint, req dto.SendMessageRequest) (dto.MessagePayload, error)
	MarkRead(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error)
	UnreadCount(ctx context.Context, principal realtime.Principal) (dto.UnreadCountResponse, error)
	StartTyping(ctx context.Context, principal realtime.Principal, conversationID uint) error
	StopTyping(ctx context.Context, principal realtime.Principal, conversationID uint) error
	ActiveTyping(ctx context.Context, principal realtime.Principal, conversationID uint) ([]dto.TypingIndicatorResponse, error)
	Archive(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error)
	Restore(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error)
	AuthorizeChannel(ctx context.Context, principal realtime.Principal, req dto.ChannelAuthRequest) (dto.ChannelAuthResponse, error)
}

type messagingService struct {
	conversations repository.ConversationRepository
	users         repository.UserRepository
	broker        *realtime.Broker
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	maxAttachments int
}

// NewMessagingService constructs the messaging service.
func NewMessagingService(conversations repository.ConversationRepository, users repository.UserRepository, broker *realtime.Broker, validate *validator.Validate, logger zerolog.Logger, opts ...MessagingOption) MessagingService {
	s := &messagingService{
		conversations: conversations,
		users:         users,
		broker:        broker,
		validator:     validate,
		sanitizer:     bluemonday.StrictPolicy(),
		logger:        logger.With().Str("component", "messaging_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/egov-messaging-api/internal/service/messaging"),
		now:           time.Now,

		maxAttachments: DefaultMaxAttachments,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *messagingService) OpenConversation(ctx context.Context, principal realtime.Principal, req dto.CreateConversationRequest) (dto.ConversationOpenedResponse, error) {
	if err := s.requireResident(principal); err != nil {
		return dto.ConversationOpenedResponse{}, err
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationOpenedResponse{}, err
	}

	staff, err := s.users.GetByID(ctx, req.StaffID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.ConversationOpenedResponse{}, ErrStaffNotFound
		}
		return dto.ConversationOpenedResponse{}, storeError(err)
	}
	if !staff.IsStaff() {
		return dto.ConversationOpenedResponse{}, ErrStaffNotFound
	}

	return s.open(ctx, principal, staff.ID, req.Subject, req.Content)
}

func (s *messagingService) OpenGeneralConversation(ctx context.Context, principal realtime.Principal, req dto.GeneralConversationRequest) (dto.ConversationOpenedResponse, error) {
	if err := s.requireResident(principal); err != nil {
		return dto.ConversationOpenedResponse{}, err
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationOpenedResponse{}, err
	}

	staff, err := s.users.FirstStaff(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.ConversationOpenedResponse{}, ErrNoStaffAvailable
		}
		return dto.ConversationOpenedResponse{}, storeError(err)
	}

	subject := generalSubject
	return s.open(ctx, principal, staff.ID, &subject, req.Content)
}

func (s *messagingService) open(ctx context.Context, principal realtime.Principal, staffID uint, subject *string, content string) (dto.ConversationOpenedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.open_conversation")
	defer span.End()
	span.SetAttributes(
		attribute.Int("messaging.resident_id", int(principal.UserID)),
		attribute.Int("messaging.staff_id", int(staffID)),
	)

	if subject != nil {
		trimmed := strings.TrimSpace(*subject)
		subject = &trimmed
		if trimmed == "" {
			subject = nil
		}
	}

	conversation, err := s.conversations.GetOrCreate(ctx, principal.UserID, staffID, subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get or create failed")
		return dto.ConversationOpenedResponse{}, storeError(err)
	}
	span.SetAttributes(attribute.Int("messaging.conversation_id", int(conversation.ID)))

	response := dto.ConversationOpenedResponse{Conversation: dto.NewConversationResponse(conversation)}
	if strings.TrimSpace(content) == "" {
		span.SetStatus(codes.Ok, "opened")
		return response, nil
	}

	message, err := s.SendMessage(ctx, principal, conversation.ID, dto.SendMessageRequest{Content: content})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial message failed")
		return dto.ConversationOpenedResponse{}, err
	}

	refreshed, err := s.conversations.FindByID(ctx, conversation.ID)
	if err == nil {
		response.Conversation = dto.NewConversationResponse(refreshed)
	}
	response.Message = &message
	span.SetStatus(codes.Ok, "opened")
	return response, nil
}

func (s *messagingService) ListConversations(ctx context.Context, principal realtime.Principal, limit, offset int) ([]dto.ConversationResponse, error) {
	if !principal.Authenticated() {
		return nil, realtime.ErrAuthenticationRequired
	}

	filter := s.scope(principal)
	filter.Limit = limit
	filter.Offset = offset

	items, err := s.conversations.ListForUser(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return dto.NewConversationResponseSlice(items), nil
}

func (s *messagingService) GetConversation(ctx context.Context, principal realtime.Principal, conversationID uint, query dto.MessageHistoryQuery) (dto.ConversationDetailResponse, error) {
	conversation, err := s.participantConversation(ctx, principal, conversationID)
	if err != nil {
		return dto.ConversationDetailResponse{}, err
	}

	messages, err := s.history(ctx, conversationID, query)
	if err != nil {
		return dto.ConversationDetailResponse{}, err
	}

	// Opening a conversation counts as reading it.
	updated, err := s.conversations.MarkRead(ctx, conversationID, principal.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("conversation_id", conversationID).Msg("failed to mark conversation read on view")
	} else {
		conversation = updated
	}

	return dto.ConversationDetailResponse{
		Conversation: dto.NewConversationResponse(conversation),
		Messages:     messages,
	}, nil
}

func (s *messagingService) ListMessages(ctx context.Context, principal realtime.Principal, conversationID uint, query dto.MessageHistoryQuery) ([]dto.MessagePayload, error) {
	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		return nil, err
	}
	return s.history(ctx, conversationID, query)
}

func (s *messagingService) history(ctx context.Context, conversationID uint, query dto.MessageHistoryQuery) ([]dto.MessagePayload, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	var before time.Time
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.conversations.ListMessages(ctx, conversationID, before, query.Limit)
	if err != nil {
		return nil, storeError(err)
	}
	return dto.NewMessagePayloadSlice(messages, s.now()), nil
}

func (s *messagingService) SendMessage(ctx context.Context, principal realtime.Principal, conversationID uint, req dto.SendMessageRequest) (dto.MessagePayload, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.send")
	defer span.End()
	span.SetAttributes(
		attribute.Int("messaging.conversation_id", int(conversationID)),
		attribute.Int("messaging.sender_id", int(principal.UserID)),
	)

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return dto.MessagePayload{}, err
	}

	if len(req.Attachments) > s.maxAttachments {
		span.SetStatus(codes.Error, "too many attachments")
		return dto.MessagePayload{}, ErrTooManyAttachments
	}

	content := s.sanitize(req.Content)
	if content == "" {
		span.SetStatus(codes.Error, "empty content")
		return dto.MessagePayload{}, ErrEmptyContent
	}

	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "access denied")
		return dto.MessagePayload{}, err
	}

	attachments := dto.AttachmentModels(req.Attachments)
	messageType := resolveMessageType(req.Type, attachments)
	span.SetAttributes(
		attribute.String("messaging.type", messageType),
		attribute.Int("messaging.attachments", len(attachments)),
	)

	message, conversation, err := s.conversations.AppendMessage(ctx, repository.NewMessage{
		ConversationID: conversationID,
		SenderID:       principal.UserID,
		Content:        content,
		Type:           messageType,
		Attachments:    attachments,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		if errors.Is(err, repository.ErrNotFound) {
			return dto.MessagePayload{}, s.notFound(principal)
		}
		s.logger.Error().Err(err).Uint("conversation_id", conversationID).Msg("failed to persist message")
		return dto.MessagePayload{}, storeError(err)
	}

	now := s.now()
	envelope := dto.NewMessageSentEnvelope(message, conversation, now)
	s.broker.Engine().MessageSent(ctx, conversation, principal.UserID, envelope)

	observability.MessagesSent().WithLabelValues(messageType).Inc()
	span.SetAttributes(attribute.Int("messaging.message_id", int(message.ID)))
	span.SetStatus(codes.Ok, "sent")

	return envelope.Message, nil
}

func (s *messagingService) MarkRead(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.mark_read")
	defer span.End()
	span.SetAttributes(
		attribute.Int("messaging.conversation_id", int(conversationID)),
		attribute.Int("messaging.user_id", int(principal.UserID)),
	)

	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "access denied")
		return dto.ConversationResponse{}, err
	}

	conversation, err := s.conversations.MarkRead(ctx, conversationID, principal.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		if errors.Is(err, repository.ErrNotFound) {
			return dto.ConversationResponse{}, s.notFound(principal)
		}
		return dto.ConversationResponse{}, storeError(err)
	}

	span.SetStatus(codes.Ok, "read")
	return dto.NewConversationResponse(conversation), nil
}

func (s *messagingService) UnreadCount(ctx context.Context, principal realtime.Principal) (dto.UnreadCountResponse, error) {
	if !principal.Authenticated() {
		return dto.UnreadCountResponse{}, realtime.ErrAuthenticationRequired
	}

	count, err := s.conversations.UnreadCount(ctx, s.scope(principal))
	if err != nil {
		return dto.UnreadCountResponse{}, storeError(err)
	}
	return dto.UnreadCountResponse{UnreadCount: count}, nil
}

func (s *messagingService) StartTyping(ctx context.Context, principal realtime.Principal, conversationID uint) error {
	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		return err
	}

	s.broker.Typing().StartAndEmit(conversationID, principal.UserID, func() {
		s.broadcastTyping(ctx, principal, conversationID, true)
	})
	return nil
}

func (s *messagingService) StopTyping(ctx context.Context, principal realtime.Principal, conversationID uint) error {
	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		return err
	}

	s.broker.Typing().StopAndEmit(conversationID, principal.UserID, func() {
		s.broadcastTyping(ctx, principal, conversationID, false)
	})
	return nil
}

func (s *messagingService) broadcastTyping(ctx context.Context, principal realtime.Principal, conversationID uint, typing bool) {
	user, err := s.users.GetByID(ctx, principal.UserID)
	if err != nil {
		s.logger.Debug().Err(err).Uint("user_id", principal.UserID).Msg("typing user lookup failed")
		user = models.User{ID: principal.UserID}
	}
	s.broker.Engine().TypingChanged(ctx, dto.NewTypingEnvelope(conversationID, user, typing))
}

func (s *messagingService) ActiveTyping(ctx context.Context, principal realtime.Principal, conversationID uint) ([]dto.TypingIndicatorResponse, error) {
	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		return nil, err
	}

	indicators := s.broker.Typing().Active(conversationID, principal.UserID)
	out := make([]dto.TypingIndicatorResponse, 0, len(indicators))
	for _, indicator := range indicators {
		out = append(out, dto.TypingIndicatorResponse{
			ConversationID:  indicator.ConversationID,
			UserID:          indicator.UserID,
			StartedTypingAt: indicator.StartedTypingAt.UTC(),
			LastActivityAt:  indicator.LastActivityAt.UTC(),
		})
	}
	return out, nil
}

func (s *messagingService) Archive(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error) {
	return s.setActive(ctx, principal, conversationID, false)
}

func (s *messagingService) Restore(ctx context.Context, principal realtime.Principal, conversationID uint) (dto.ConversationResponse, error) {
	return s.setActive(ctx, principal, conversationID, true)
}

func (s *messagingService) setActive(ctx context.Context, principal realtime.Principal, conversationID uint, active bool) (dto.ConversationResponse, error) {
	if _, err := s.participantConversation(ctx, principal, conversationID); err != nil {
		return dto.ConversationResponse{}, err
	}

	conversation, err := s.conversations.SetActive(ctx, conversationID, active)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.ConversationResponse{}, s.notFound(principal)
		}
		return dto.ConversationResponse{}, storeError(err)
	}

	s.logger.Info().
		Uint("conversation_id", conversationID).
		Uint("user_id", principal.UserID).
		Bool("active", active).
		Msg("conversation state changed")
	return dto.NewConversationResponse(conversation), nil
}

func (s *messagingService) AuthorizeChannel(ctx context.Context, principal realtime.Principal, req dto.ChannelAuthRequest) (dto.ChannelAuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChannelAuthResponse{}, err
	}

	channel, err := s.broker.Authorize(ctx, principal, req.ChannelName)
	if err != nil {
		return dto.ChannelAuthResponse{}, err
	}
	return dto.ChannelAuthResponse{Channel: channel.Name, SocketID: req.SocketID}, nil
}

// participantConversation loads a conversation the principal may act on.
func (s *messagingService) participantConversation(ctx context.Context, principal realtime.Principal, conversationID uint) (models.Conversation, error) {
	if !principal.Authenticated() {
		return models.Conversation{}, realtime.ErrAuthenticationRequired
	}

	conversation, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Conversation{}, s.notFound(principal)
		}
		return models.Conversation{}, storeError(err)
	}

	if !s.broker.Gate().CanAccessConversation(principal, conversation) {
		return models.Conversation{}, realtime.ErrForbidden
	}
	return conversation, nil
}

// notFound hides whether a conversation id exists from callers who cannot see every conversation.
func (s *messagingService) notFound(principal realtime.Principal) error {
	if principal.IsStaff() && s.broker.Gate().SharedStaffInbox() {
		return ErrConversationNotFound
	}
	return realtime.ErrForbidden
}

// sanitize strips markup and stores the remaining text unescaped. Rendering escapes it again.
func (s *messagingService) sanitize(content string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(content)))
}

func (s *messagingService) requireResident(principal realtime.Principal) error {
	if !principal.Authenticated() {
		return realtime.ErrAuthenticationRequired
	}
	if principal.IsStaff() {
		return ErrResidentOnly
	}
	return nil
}

func (s *messagingService) scope(principal realtime.Principal) repository.ConversationFilter {
	if !principal.IsStaff() {
		return repository.ConversationFilter{ResidentID: principal.UserID}
	}
	if s.broker.Gate().SharedStaffInbox() {
		return repository.ConversationFilter{}
	}
	return repository.ConversationFilter{StaffID: principal.UserID}
}

func resolveMessageType(requested string, attachments []models.Attachment) string {
	if requested != "" {
		return requested
	}
	if len(attachments) == 0 {
		return models.MessageTypeText
	}
	for _, attachment := range attachments {
		if !strings.HasPrefix(attachment.Mime, "image/") {
			return models.MessageTypeFile
		}
	}
	return models.MessageTypeImage
}

func storeError(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
