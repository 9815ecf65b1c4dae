package handler_test

import (
	"context"

	"residenthub/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a testify mock of storage.Storage.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID string, q models.PageQuery) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomID, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockStorage) InsertMessage(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error) {
	args := m.Called(ctx, roomID, senderID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatMessage), args.Error(1)
}

func (m *MockStorage) UpsertReadReceipt(ctx context.Context, roomID, userID string, messageID uint) error {
	return m.Called(ctx, roomID, userID, messageID).Error(0)
}

func (m *MockStorage) GetReadReceipt(ctx context.Context, roomID, userID string) (*models.ReadReceipt, error) {
	args := m.Called(ctx, roomID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReadReceipt), args.Error(1)
}

func (m *MockStorage) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	return m.Called(ctx, room).Error(0)
}

func (m *MockStorage) FindDirectRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStorage) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) GetResident(ctx context.Context, id string) (*models.Resident, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Resident), args.Error(1)
}

func (m *MockStorage) SaveResident(ctx context.Context, resident *models.Resident) error {
	return m.Called(ctx, resident).Error(0)
}
