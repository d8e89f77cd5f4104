package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/egov-messaging-api/internal/models"
)

// ErrNotFound is returned when a referenced conversation or user does not exist.
var ErrNotFound = errors.New("record not found")

// NewMessage carries the fields required to append a message to a conversation.
type NewMessage struct {
	ConversationID uint
	SenderID       uint
	Content        string
	Type           string
	Attachments    []models.Attachment
}

// ConversationFilter scopes list and unread queries. A non-zero ResidentID selects the
// resident side; otherwise the staff side is used, narrowed to StaffID when set.
type ConversationFilter struct {
	ResidentID uint
	StaffID    uint
	Limit      int
	Offset     int
}

// ConversationRepository is the durable store for conversations and their messages.
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, residentID, staffID uint, subject *string) (models.Conversation, error)
	FindByID(ctx context.Context, id uint) (models.Conversation, error)
	AppendMessage(ctx context.Context, input NewMessage) (models.Message, models.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID uint) (models.Conversation, error)
	UnreadCount(ctx context.Context, filter ConversationFilter) (int64, error)
	SetActive(ctx context.Context, conversationID uint, active bool) (models.Conversation, error)
	ListForUser(ctx context.Context, filter ConversationFilter) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID uint, before time.Time, limit int) ([]models.Message, error)
}

type conversationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db, now: time.Now}
}

func (r *conversationRepository) GetOrCreate(ctx context.Context, residentID, staffID uint, subject *string) (models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Where(models.Conversation{ResidentID: residentID, StaffID: staffID}).
		Attrs(models.Conversation{Subject: subject, IsActive: true}).
		FirstOrCreate(&conversation).Error
	if err != nil {
		// A concurrent creator won the unique (resident_id, staff_id) race; read its row.
		var existing models.Conversation
		if findErr := r.db.WithContext(ctx).
			Where("resident_id = ? AND staff_id = ?", residentID, staffID).
			First(&existing).Error; findErr == nil {
			return existing, nil
		}
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) FindByID(ctx context.Context, id uint) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).First(&conversation, id).Error; err != nil {
		return models.Conversation{}, translate(err)
	}
	return conversation, nil
}

func (r *conversationRepository) AppendMessage(ctx context.Context, input NewMessage) (models.Message, models.Conversation, error) {
	var (
		message      models.Message
		conversation models.Conversation
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conversation, input.ConversationID).Error; err != nil {
			return translate(err)
		}

		messageType := input.Type
		if messageType == "" {
			messageType = models.MessageTypeText
		}

		message = models.Message{
			ConversationID: conversation.ID,
			SenderID:       input.SenderID,
			Content:        input.Content,
			Type:           messageType,
		}
		message.SetAttachments(input.Attachments)

		if err := tx.Omit(clause.Associations).Create(&message).Error; err != nil {
			return err
		}

		now := r.now().UTC()
		content := input.Content
		updates := map[string]interface{}{
			"last_message":    content,
			"last_message_at": now,
		}
		// Only the non-sender side is flagged.
		if conversation.IsResidentSide(input.SenderID) {
			updates["staff_has_unread"] = true
			conversation.StaffHasUnread = true
		} else {
			updates["resident_has_unread"] = true
			conversation.ResidentHasUnread = true
		}

		if err := tx.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Updates(updates).Error; err != nil {
			return err
		}
		conversation.LastMessage = &content
		conversation.LastMessageAt = &now

		return translate(tx.First(&message.Sender, input.SenderID).Error)
	})
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	return message, conversation, nil
}

func (r *conversationRepository) MarkRead(ctx context.Context, conversationID, userID uint) (models.Conversation, error) {
	var conversation models.Conversation

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, conversationID).Error; err != nil {
			return translate(err)
		}

		now := r.now().UTC()
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, userID, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": now}).Error; err != nil {
			return err
		}

		column := "staff_has_unread"
		if conversation.IsResidentSide(userID) {
			column = "resident_has_unread"
			conversation.ResidentHasUnread = false
		} else {
			conversation.StaffHasUnread = false
		}

		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Update(column, false).Error
	})
	if err != nil {
		return models.Conversation{}, err
	}

	return conversation, nil
}

func (r *conversationRepository) UnreadCount(ctx context.Context, filter ConversationFilter) (int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Conversation{})
	if filter.ResidentID != 0 {
		query = query.Where("resident_id = ? AND resident_has_unread = ?", filter.ResidentID, true)
	} else {
		query = query.Where("staff_has_unread = ?", true)
		if filter.StaffID != 0 {
			query = query.Where("staff_id = ?", filter.StaffID)
		}
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *conversationRepository) SetActive(ctx context.Context, conversationID uint, active bool) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).First(&conversation, conversationID).Error; err != nil {
		return models.Conversation{}, translate(err)
	}
	if conversation.IsActive == active {
		return conversation, nil
	}

	if err := r.db.WithContext(ctx).Model(&conversation).Update("is_active", active).Error; err != nil {
		return models.Conversation{}, err
	}
	conversation.IsActive = active
	return conversation, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, filter ConversationFilter) ([]models.Conversation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 15
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Where("is_active = ?", true)
	if filter.ResidentID != 0 {
		query = query.Where("resident_id = ?", filter.ResidentID)
	}
	if filter.StaffID != 0 {
		query = query.Where("staff_id = ?", filter.StaffID)
	}

	var conversations []models.Conversation
	if err := query.
		Order("last_message_at IS NULL").
		Order("last_message_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&conversations).Error; err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, conversationID uint, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Preload("Sender").Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
