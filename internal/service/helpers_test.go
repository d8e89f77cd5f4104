package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
	"github.com/noah-isme/egov-messaging-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}))
	return db
}

func seedUsers(t *testing.T, db *gorm.DB, users ...models.User) {
	t.Helper()
	for i := range users {
		require.NoError(t, db.Create(&users[i]).Error)
	}
}

type messagingFixture struct {
	db            *gorm.DB
	conversations repository.ConversationRepository
	broker        *realtime.Broker
	service       MessagingService
}

func newMessagingFixture(t *testing.T, shared bool) messagingFixture {
	t.Helper()
	db := newTestDB(t)
	seedUsers(t, db,
		models.User{ID: 10, Name: "Rosa Resident", Email: "rosa@example.gov", Role: models.RoleResident},
		models.User{ID: 11, Name: "Ramon Resident", Email: "ramon@example.gov", Role: models.RoleResident},
		models.User{ID: 20, Name: "Sofia Staff", Email: "sofia@example.gov", Role: models.RoleStaff},
		models.User{ID: 21, Name: "Alan Admin", Email: "alan@example.gov", Role: models.RoleAdmin},
	)

	conversations := repository.NewConversationRepository(db)
	broker := realtime.NewBroker(conversations, nil, realtime.Options{SharedStaffInbox: shared, QueueSize: 32}, testLogger())
	svc := NewMessagingService(conversations, repository.NewUserRepository(db), broker, validator.New(), testLogger())

	return messagingFixture{db: db, conversations: conversations, broker: broker, service: svc}
}

func (f messagingFixture) session(t *testing.T, principal realtime.Principal, channels ...string) *realtime.Session {
	t.Helper()
	session := realtime.NewSession(principal, nil, 32, testLogger())
	for _, channel := range channels {
		_, err := f.broker.Subscribe(context.Background(), session, channel)
		require.NoError(t, err)
	}
	return session
}

func drain(t *testing.T, session *realtime.Session) []realtime.ServerFrame {
	t.Helper()
	raw, _ := session.Drain()
	frames := make([]realtime.ServerFrame, 0, len(raw))
	for _, data := range raw {
		var frame realtime.ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func resident(id uint) realtime.Principal {
	return realtime.Principal{UserID: id, Role: models.RoleResident}
}

func staff(id uint) realtime.Principal {
	return realtime.Principal{UserID: id, Role: models.RoleStaff}
}
