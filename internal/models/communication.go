package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// User roles recognised by the messaging subsystem.
const (
	RoleResident = "resident"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// Message types stored on a message row.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// User is the subset of the portal account the messaging subsystem reads.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Role      string    `gorm:"size:32;index;not null;default:resident" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStaff reports whether the user belongs to the shared staff inbox.
func (u User) IsStaff() bool {
	return IsStaffRole(u.Role)
}

// IsStaffRole reports whether role grants staff-side participation.
func IsStaffRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

// Conversation is a resident/staff thread. At most one exists per (resident, staff) pair.
type Conversation struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	ResidentID        uint       `gorm:"not null;uniqueIndex:idx_conversation_pair;index:idx_conversation_resident_active,priority:1" json:"resident_id"`
	StaffID           uint       `gorm:"not null;uniqueIndex:idx_conversation_pair;index:idx_conversation_staff_active,priority:1" json:"staff_id"`
	Subject           *string    `gorm:"size:255" json:"subject"`
	LastMessage       *string    `gorm:"type:text" json:"last_message"`
	LastMessageAt     *time.Time `gorm:"index" json:"last_message_at"`
	IsActive          bool       `gorm:"not null;default:true;index:idx_conversation_resident_active,priority:2;index:idx_conversation_staff_active,priority:2" json:"is_active"`
	ResidentHasUnread bool       `gorm:"not null;default:false" json:"resident_has_unread"`
	StaffHasUnread    bool       `gorm:"not null;default:false" json:"staff_has_unread"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Resident          User       `gorm:"foreignKey:ResidentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Staff             User       `gorm:"foreignKey:StaffID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsResidentSide reports whether userID is the resident owner of the conversation.
func (c Conversation) IsResidentSide(userID uint) bool {
	return userID != 0 && userID == c.ResidentID
}

// ParticipantIDs returns the fixed participant identities of the conversation.
func (c Conversation) ParticipantIDs() []uint {
	ids := make([]uint, 0, 2)
	if c.ResidentID != 0 {
		ids = append(ids, c.ResidentID)
	}
	if c.StaffID != 0 && c.StaffID != c.ResidentID {
		ids = append(ids, c.StaffID)
	}
	return ids
}

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Mime       string    `json:"mime"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Message is a single entry in a conversation. Only the read and edited flags change after creation.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ConversationID uint           `gorm:"not null;index:idx_message_conversation_created,priority:1" json:"conversation_id"`
	SenderID       uint           `gorm:"not null;index:idx_message_sender_created,priority:1" json:"sender_id"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Type           string         `gorm:"size:32;not null;default:text" json:"type"`
	Attachments    datatypes.JSON `gorm:"type:json" json:"-"`
	IsRead         bool           `gorm:"not null;default:false" json:"is_read"`
	ReadAt         *time.Time     `json:"read_at"`
	IsEdited       bool           `gorm:"not null;default:false" json:"is_edited"`
	EditedAt       *time.Time     `json:"edited_at"`
	CreatedAt      time.Time      `gorm:"index:idx_message_conversation_created,priority:2;index:idx_message_sender_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Conversation   Conversation   `gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Sender         User           `gorm:"foreignKey:SenderID;references:ID" json:"-"`
}

// SetAttachments serializes the attachment list into the JSON storage column.
// An empty list leaves the column NULL.
func (m *Message) SetAttachments(items []Attachment) {
	if len(items) == 0 {
		m.Attachments = nil
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		m.Attachments = nil
		return
	}
	m.Attachments = datatypes.JSON(data)
}

// AttachmentList deserializes the stored attachments.
func (m Message) AttachmentList() []Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}

	var items []Attachment
	if err := json.Unmarshal(m.Attachments, &items); err != nil {
		return nil
	}

	return items
}
