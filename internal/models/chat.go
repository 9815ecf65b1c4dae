package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoomType distinguishes two-party rooms from multi-party ones.
type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
)

// ErrInvalidRoom is returned by ChatRoom.Validate.
var ErrInvalidRoom = errors.New("invalid chat room")

// ChatRoom is a conversation container. Rooms are only created by an explicit
// direct-message or group-chat call.
type ChatRoom struct {
	// ID is the room UUID.
	ID string `gorm:"primaryKey;type:uuid" json:"id"`
	// RoomType is either "direct" or "group".
	RoomType RoomType `gorm:"type:text;not null;index" json:"room_type"`
	// Name is optional and only meaningful for group rooms.
	Name string `gorm:"type:text" json:"name,omitempty"`
	// Members of the room; a direct room always has exactly two.
	Members []RoomMember `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE" json:"members"`
	// DirectKey is the sorted member pair of a direct room and nil for groups.
	// Its unique index keeps one direct room per pair.
	DirectKey *string   `gorm:"type:text;uniqueIndex" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// DirectPairKey returns the DirectKey of the direct room between a and b.
func DirectPairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// BeforeCreate generates the room UUID if it was not set by the caller.
func (r *ChatRoom) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// HasMember reports whether userID belongs to the room.
func (r *ChatRoom) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns the member user ids in stored order.
func (r *ChatRoom) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// Validate enforces the membership rules of each room type.
func (r *ChatRoom) Validate() error {
	seen := make(map[string]struct{}, len(r.Members))
	for _, m := range r.Members {
		if m.UserID == "" {
			return fmt.Errorf("%w: empty member id", ErrInvalidRoom)
		}
		if _, dup := seen[m.UserID]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidRoom, m.UserID)
		}
		seen[m.UserID] = struct{}{}
	}

	switch r.RoomType {
	case RoomTypeDirect:
		if len(r.Members) != 2 {
			return fmt.Errorf("%w: direct room needs exactly 2 members, got %d", ErrInvalidRoom, len(r.Members))
		}
		if r.DirectKey != nil && *r.DirectKey != DirectPairKey(r.Members[0].UserID, r.Members[1].UserID) {
			return fmt.Errorf("%w: direct key %q does not match members", ErrInvalidRoom, *r.DirectKey)
		}
	case RoomTypeGroup:
		if len(r.Members) == 0 {
			return fmt.Errorf("%w: group room needs at least one member", ErrInvalidRoom)
		}
	default:
		return fmt.Errorf("%w: unknown room type %q", ErrInvalidRoom, r.RoomType)
	}
	return nil
}

// RoomMember links a user to a room.
type RoomMember struct {
	RoomID   string    `gorm:"primaryKey;type:uuid" json:"-"`
	UserID   string    `gorm:"primaryKey;type:text;index" json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// ChatMessage is an append-only message. Messages of a room are ordered by
// CreatedAt, with ID as the tiebreak.
type ChatMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RoomID    string    `gorm:"type:uuid;not null;index:idx_room_created,priority:1" json:"room_id"`
	SenderID  string    `gorm:"type:text;not null" json:"sender_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `gorm:"index:idx_room_created,priority:2" json:"created_at"`
}

// Before reports whether m sorts before other.
func (m ChatMessage) Before(other ChatMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Cursor returns the keyset position of m.
func (m ChatMessage) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// ReadReceipt is the read watermark of one user in one room. It only moves forward.
type ReadReceipt struct {
	RoomID            string    `gorm:"primaryKey;type:uuid" json:"room_id"`
	UserID            string    `gorm:"primaryKey;type:text" json:"user_id"`
	LastReadMessageID uint      `gorm:"not null;default:0" json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Cursor is a keyset pagination position.
type Cursor struct {
	CreatedAt time.Time
	ID        uint
}

// PageQuery selects a page of history. A nil Before means the newest page.
type PageQuery struct {
	Before *Cursor
	Limit  int
}
