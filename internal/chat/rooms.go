package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"residenthub/backend/internal/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidRoom is returned for rooms that break the membership rules.
	ErrInvalidRoom = models.ErrInvalidRoom
	// ErrNotMember is returned when a user opens a room they do not belong to.
	ErrNotMember = errors.New("chat: user is not a member of the room")
)

// RoomStore is the persistence the room service needs.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	// FindDirectRoom returns nil, nil when the pair has no direct room yet.
	FindDirectRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error)
}

// RoomService creates and lists rooms.
type RoomService struct {
	store RoomStore
	now   func() time.Time
	log   *logrus.Entry
}

// NewRoomService returns a service backed by store.
func NewRoomService(store RoomStore) *RoomService {
	return &RoomService{
		store: store,
		now:   time.Now,
		log:   logrus.WithField("component", "room-service"),
	}
}

// CreateDirectRoom returns the direct room between a and b, creating it with
// exactly those two members when it does not exist.
func (s *RoomService) CreateDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: direct room needs two distinct users", ErrInvalidRoom)
	}

	existing, err := s.store.FindDirectRoom(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("find direct room: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now().UTC()
	key := models.DirectPairKey(a, b)
	room := &models.ChatRoom{
		RoomType: models.RoomTypeDirect,
		Members: []models.RoomMember{
			{UserID: a, JoinedAt: now},
			{UserID: b, JoinedAt: now},
		},
		DirectKey: &key,
		CreatedAt: now,
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveRoom(ctx, room); err != nil {
		// A concurrent create of the same pair wins the unique direct key.
		if winner, findErr := s.store.FindDirectRoom(ctx, a, b); findErr == nil && winner != nil {
			return winner, nil
		}
		return nil, fmt.Errorf("save direct room: %w", err)
	}
	s.log.WithField("room_id", room.ID).Info("Direct room created")
	return room, nil
}

// CreateGroupRoom creates a group room. The creator is always a member and
// duplicate or empty member ids are dropped.
func (s *RoomService) CreateGroupRoom(ctx context.Context, name, creator string, members []string) (*models.ChatRoom, error) {
	if creator == "" {
		return nil, fmt.Errorf("%w: group room needs a creator", ErrInvalidRoom)
	}

	now := s.now().UTC()
	seen := map[string]struct{}{creator: {}}
	room := &models.ChatRoom{
		RoomType:  models.RoomTypeGroup,
		Name:      strings.TrimSpace(name),
		Members:   []models.RoomMember{{UserID: creator, JoinedAt: now}},
		CreatedAt: now,
	}
	for _, id := range members {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		room.Members = append(room.Members, models.RoomMember{UserID: id, JoinedAt: now})
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("save group room: %w", err)
	}
	s.log.WithFields(logrus.Fields{"room_id": room.ID, "members": len(room.Members)}).Info("Group room created")
	return room, nil
}

// ListRooms returns the rooms userID belongs to.
func (s *RoomService) ListRooms(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", userID, err)
	}
	return rooms, nil
}

// RoomForMember loads a room and checks that userID belongs to it.
func (s *RoomService) RoomForMember(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasMember(userID) {
		return nil, ErrNotMember
	}
	return room, nil
}
