package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/egov-messaging-api/internal/config"
	"github.com/noah-isme/egov-messaging-api/internal/dto"
	"github.com/noah-isme/egov-messaging-api/internal/handler"
	"github.com/noah-isme/egov-messaging-api/internal/middleware"
	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
	"github.com/noah-isme/egov-messaging-api/internal/repository"
	"github.com/noah-isme/egov-messaging-api/internal/router"
	"github.com/noah-isme/egov-messaging-api/internal/service"
)

const handlerSecret = "handler-secret"

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type apiFixture struct {
	app    *fiber.App
	broker *realtime.Broker
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}))
	users := []models.User{
		{ID: 10, Name: "Rosa Resident", Email: "rosa@example.gov", Role: models.RoleResident},
		{ID: 11, Name: "Ramon Resident", Email: "ramon@example.gov", Role: models.RoleResident},
		{ID: 20, Name: "Sofia Staff", Email: "sofia@example.gov", Role: models.RoleStaff},
	}
	require.NoError(t, db.Create(&users).Error)

	log := zerolog.New(io.Discard)
	conversations := repository.NewConversationRepository(db)
	broker := realtime.NewBroker(conversations, nil, realtime.Options{SharedStaffInbox: true, QueueSize: 16}, log)
	t.Cleanup(broker.Shutdown)

	messaging := service.NewMessagingService(conversations, repository.NewUserRepository(db), broker, validator.New(), log)
	attachments := service.NewAttachmentService(nil, 10, log)

	cfg := config.Config{AppName: "eGov Messaging", AppEnv: "test"}
	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &log})
	router.Register(app, cfg, router.Dependencies{
		MessagingHandler:      handler.NewMessagingHandler(messaging, log),
		RealtimeHandler:       handler.NewRealtimeHandler(broker, log),
		AttachmentHandler:     handler.NewAttachmentHandler(attachments, log),
		JWTMiddleware:         middleware.JWTProtected(handlerSecret),
		OptionalJWTMiddleware: middleware.JWTOptional(handlerSecret),
		TypingLimiter:         middleware.RateLimit("typing", 100, time.Second),
		NodeID:                broker.Engine().NodeID(),
		Sessions:              broker,
	})

	return apiFixture{app: app, broker: broker}
}

func tokenFor(t *testing.T, userID uint, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  fmt.Sprintf("%d", userID),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(handlerSecret))
	require.NoError(t, err)
	return signed
}

func (f apiFixture) call(t *testing.T, method, path, token string, body interface{}) (int, apiEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope apiEnvelope
	if resp.StatusCode != fiber.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	}
	return resp.StatusCode, envelope
}

func decodeData(t *testing.T, envelope apiEnvelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func (f apiFixture) openConversation(t *testing.T, residentToken string, content string) dto.ConversationOpenedResponse {
	t.Helper()
	status, envelope := f.call(t, http.MethodPost, "/api/v1/messaging/conversations", residentToken,
		map[string]interface{}{"staff_id": 20, "content": content})
	require.Equal(t, fiber.StatusCreated, status, envelope.Message)

	var opened dto.ConversationOpenedResponse
	decodeData(t, envelope, &opened)
	return opened
}

func TestMessagingExchangeOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	staffToken := tokenFor(t, 20, models.RoleStaff)

	opened := f.openConversation(t, residentToken, "Hello")
	require.NotNil(t, opened.Message)
	require.True(t, opened.Conversation.StaffHasUnread)
	require.False(t, opened.Conversation.ResidentHasUnread)
	conversationPath := fmt.Sprintf("/api/v1/messaging/conversations/%d", opened.Conversation.ID)

	again := f.openConversation(t, residentToken, "")
	require.Equal(t, opened.Conversation.ID, again.Conversation.ID)

	status, envelope := f.call(t, http.MethodGet, "/api/v1/messaging/unread-count", staffToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var unread dto.UnreadCountResponse
	decodeData(t, envelope, &unread)
	require.Equal(t, int64(1), unread.UnreadCount)

	status, envelope = f.call(t, http.MethodPost, conversationPath+"/messages", staffToken, map[string]string{"content": "Hi"})
	require.Equal(t, fiber.StatusCreated, status, envelope.Message)
	var sent dto.MessagePayload
	decodeData(t, envelope, &sent)
	require.Equal(t, "Hi", sent.Content)
	require.Equal(t, uint(20), sent.Sender.ID)

	status, envelope = f.call(t, http.MethodGet, "/api/v1/messaging/unread-count", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, envelope, &unread)
	require.Equal(t, int64(1), unread.UnreadCount)

	status, envelope = f.call(t, http.MethodPost, conversationPath+"/read", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var read dto.ConversationResponse
	decodeData(t, envelope, &read)
	require.False(t, read.ResidentHasUnread)

	status, envelope = f.call(t, http.MethodGet, conversationPath+"/messages?limit=10", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var history []dto.MessagePayload
	decodeData(t, envelope, &history)
	require.Len(t, history, 2)
	require.Equal(t, "Hello", history[0].Content)
	require.Equal(t, "Hi", history[1].Content)

	status, envelope = f.call(t, http.MethodGet, "/api/v1/messaging/conversations", staffToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var listed []dto.ConversationResponse
	decodeData(t, envelope, &listed)
	require.Len(t, listed, 1)
}

func TestMessagingErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	opened := f.openConversation(t, residentToken, "Hello")
	conversationPath := fmt.Sprintf("/api/v1/messaging/conversations/%d", opened.Conversation.ID)

	status, _ := f.call(t, http.MethodGet, conversationPath, "", nil)
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, envelope := f.call(t, http.MethodGet, conversationPath, tokenFor(t, 11, models.RoleResident), nil)
	require.Equal(t, fiber.StatusForbidden, status)
	require.Equal(t, "unauthorized", envelope.Message)

	status, _ = f.call(t, http.MethodGet, "/api/v1/messaging/conversations/9999", residentToken, nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = f.call(t, http.MethodGet, "/api/v1/messaging/conversations/9999", tokenFor(t, 20, models.RoleStaff), nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = f.call(t, http.MethodGet, "/api/v1/messaging/conversations/abc", residentToken, nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = f.call(t, http.MethodPost, conversationPath+"/messages", residentToken, map[string]string{"content": ""})
	require.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, _ = f.call(t, http.MethodPost, conversationPath+"/messages", residentToken, map[string]string{"content": "x", "type": "system"})
	require.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, _ = f.call(t, http.MethodPost, "/api/v1/messaging/conversations", tokenFor(t, 20, models.RoleStaff),
		map[string]interface{}{"staff_id": 20})
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = f.call(t, http.MethodPost, "/api/v1/messaging/conversations", residentToken,
		map[string]interface{}{"staff_id": 11})
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestChannelAuthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	opened := f.openConversation(t, residentToken, "")

	channel := fmt.Sprintf("private-conversation.%d", opened.Conversation.ID)
	status, envelope := f.call(t, http.MethodPost, "/api/v1/messaging/broadcasting/auth", residentToken,
		map[string]string{"channel_name": channel, "socket_id": "abc"})
	require.Equal(t, fiber.StatusOK, status)
	var granted dto.ChannelAuthResponse
	decodeData(t, envelope, &granted)
	require.Equal(t, fmt.Sprintf("conversation.%d", opened.Conversation.ID), granted.Channel)
	require.Equal(t, "abc", granted.SocketID)

	status, envelope = f.call(t, http.MethodPost, "/api/v1/messaging/broadcasting/auth", residentToken,
		map[string]string{"channel_name": "user.20"})
	require.Equal(t, fiber.StatusForbidden, status)
	require.Equal(t, "unauthorized", envelope.Message)

	status, _ = f.call(t, http.MethodPost, "/api/v1/messaging/broadcasting/auth", tokenFor(t, 11, models.RoleResident),
		map[string]string{"channel_name": channel})
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestTypingEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	staffToken := tokenFor(t, 20, models.RoleStaff)
	opened := f.openConversation(t, residentToken, "")
	conversationPath := fmt.Sprintf("/api/v1/messaging/conversations/%d", opened.Conversation.ID)

	status, _ := f.call(t, http.MethodPost, conversationPath+"/typing/start", residentToken, nil)
	require.Equal(t, fiber.StatusNoContent, status)

	status, envelope := f.call(t, http.MethodGet, conversationPath+"/typing", staffToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var indicators []dto.TypingIndicatorResponse
	decodeData(t, envelope, &indicators)
	require.Len(t, indicators, 1)
	require.Equal(t, uint(10), indicators[0].UserID)

	status, envelope = f.call(t, http.MethodGet, conversationPath+"/typing", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, envelope, &indicators)
	require.Empty(t, indicators)

	status, _ = f.call(t, http.MethodPost, conversationPath+"/typing/stop", residentToken, nil)
	require.Equal(t, fiber.StatusNoContent, status)
	require.False(t, f.broker.Typing().Exists(opened.Conversation.ID, 10))

	status, _ = f.call(t, http.MethodPost, conversationPath+"/typing/start", tokenFor(t, 11, models.RoleResident), nil)
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestArchiveAndRestore(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	opened := f.openConversation(t, residentToken, "")
	conversationPath := fmt.Sprintf("/api/v1/messaging/conversations/%d", opened.Conversation.ID)

	status, envelope := f.call(t, http.MethodPost, conversationPath+"/archive", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var conversation dto.ConversationResponse
	decodeData(t, envelope, &conversation)
	require.False(t, conversation.IsActive)

	status, envelope = f.call(t, http.MethodGet, "/api/v1/messaging/conversations", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	var listed []dto.ConversationResponse
	decodeData(t, envelope, &listed)
	require.Empty(t, listed)

	status, envelope = f.call(t, http.MethodPost, conversationPath+"/restore", residentToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, envelope, &conversation)
	require.True(t, conversation.IsActive)
}

func TestAttachmentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messaging/attachments", nil)
	req.Header.Set("Authorization", "Bearer "+residentToken)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "id.png")
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/messaging/attachments", body)
	req.Header.Set("Authorization", "Bearer "+residentToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	status, envelope := f.call(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.True(t, envelope.Success)

	var health handler.HealthResponse
	decodeData(t, envelope, &health)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "eGov Messaging", health.Service)
	require.Equal(t, "test", health.Environment)
	require.Equal(t, f.broker.Engine().NodeID(), health.NodeID)
	require.WithinDuration(t, time.Now().UTC(), health.Timestamp, 2*time.Second)
}

type wireFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (f apiFixture) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = f.app.Listener(ln) }()
	t.Cleanup(func() { _ = f.app.Shutdown() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/api/v1/messaging/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebsocketReceivesMessages(t *testing.T) {
	f := newAPIFixture(t)
	residentToken := tokenFor(t, 10, models.RoleResident)
	staffToken := tokenFor(t, 20, models.RoleStaff)
	opened := f.openConversation(t, residentToken, "Hello")
	channel := fmt.Sprintf("conversation.%d", opened.Conversation.ID)

	addr := f.listen(t)
	conn := dial(t, addr, residentToken)

	established := readFrame(t, conn)
	require.Equal(t, realtime.FrameConnectionEstablished, established.Event)
	require.Contains(t, string(established.Data), "socket_id")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "private-" + channel}))
	subscribed := readFrame(t, conn)
	require.Equal(t, realtime.FrameSubscriptionSucceeded, subscribed.Event)
	require.Equal(t, channel, subscribed.Channel)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "user.20"}))
	denied := readFrame(t, conn)
	require.Equal(t, realtime.FrameSubscriptionError, denied.Event)
	require.Contains(t, string(denied.Data), "unauthorized")

	status, _ := f.call(t, http.MethodPost, "/api/v1/messaging/conversations/"+strings.TrimPrefix(channel, "conversation.")+"/messages",
		staffToken, map[string]string{"content": "Your permit is approved"})
	require.Equal(t, fiber.StatusCreated, status)

	delivery := readFrame(t, conn)
	require.Equal(t, dto.EventMessageSent, delivery.Event)
	require.Equal(t, channel, delivery.Channel)
	var envelope dto.MessageSentEnvelope
	require.NoError(t, json.Unmarshal(delivery.Data, &envelope))
	require.Equal(t, "Your permit is approved", envelope.Message.Content)
	require.True(t, envelope.Conversation.ResidentHasUnread)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.Equal(t, realtime.FramePong, readFrame(t, conn).Event)
}

func TestWebsocketAnonymousCannotSubscribe(t *testing.T) {
	f := newAPIFixture(t)
	addr := f.listen(t)
	conn := dial(t, addr, "")

	require.Equal(t, realtime.FrameConnectionEstablished, readFrame(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "conversation.1"}))
	frame := readFrame(t, conn)
	require.Equal(t, realtime.FrameSubscriptionError, frame.Event)
	require.Contains(t, string(frame.Data), "authentication required")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, realtime.FrameError, readFrame(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.Equal(t, realtime.FramePong, readFrame(t, conn).Event)
}

func TestWebsocketRejectsInvalidTokenAndPlainHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/messaging/ws", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/messaging/ws?token=garbage", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
