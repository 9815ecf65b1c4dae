package chat_test

import (
	"context"
	"time"

	"residenthub/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of chat.Store.
type MockStore struct {
	mock.Mock
}

// Message operations
func (m *MockStore) ListMessages(ctx context.Context, roomID string, q models.PageQuery) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomID, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockStore) InsertMessage(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error) {
	args := m.Called(ctx, roomID, senderID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatMessage), args.Error(1)
}

func (m *MockStore) UpsertReadReceipt(ctx context.Context, roomID, userID string, messageID uint) error {
	args := m.Called(ctx, roomID, userID, messageID)
	return args.Error(0)
}

func (m *MockStore) GetReadReceipt(ctx context.Context, roomID, userID string) (*models.ReadReceipt, error) {
	args := m.Called(ctx, roomID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReadReceipt), args.Error(1)
}

func (m *MockStore) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}

// Room operations
func (m *MockStore) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockStore) FindDirectRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStore) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func msg(id uint, sender string, sec int64) models.ChatMessage {
	return models.ChatMessage{
		ID:        id,
		RoomID:    "r1",
		SenderID:  sender,
		Text:      "text",
		CreatedAt: time.Unix(sec, 0).UTC(),
	}
}

func newestPage() any {
	return mock.MatchedBy(func(q models.PageQuery) bool { return q.Before == nil })
}

func pageBefore(id uint) any {
	return mock.MatchedBy(func(q models.PageQuery) bool { return q.Before != nil && q.Before.ID == id })
}
