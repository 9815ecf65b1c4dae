package storage

import (
	"context"
	"errors"
	"fmt"

	"residenthub/backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNotFound повертається, коли кімнати або мешканця не існує.
var ErrNotFound = errors.New("storage: record not found")

type Storage interface {
	// Повідомлення та стан прочитання
	ListMessages(ctx context.Context, roomID string, q models.PageQuery) ([]models.ChatMessage, error)
	InsertMessage(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error)
	UpsertReadReceipt(ctx context.Context, roomID, userID string, messageID uint) error
	GetReadReceipt(ctx context.Context, roomID, userID string) (*models.ReadReceipt, error)
	CountUnread(ctx context.Context, roomID, userID string) (int64, error)

	// Кімнати
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	FindDirectRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error)

	// Мешканці
	GetResident(ctx context.Context, id string) (*models.Resident, error)
	SaveResident(ctx context.Context, resident *models.Resident) error
}

type Service struct {
	DB  *gorm.DB
	log *logrus.Entry
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{
		DB:  db,
		log: logrus.WithField("component", "storage"),
	}
}

// Migrate створює або оновлює всі таблиці сервісу.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Resident{},
		&models.ChatRoom{},
		&models.RoomMember{},
		&models.ChatMessage{},
		&models.ReadReceipt{},
	)
}

// SaveRoom зберігає кімнату разом з учасниками в PostgreSQL
func (s *Service) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	if err := s.DB.WithContext(ctx).Save(room).Error; err != nil {
		s.log.WithError(err).WithField("room_id", room.ID).Error("Failed to save room")
		return err
	}
	return nil
}

// FindDirectRoom повертає особисту кімнату userA та userB за DirectKey, або nil, якщо її немає.
func (s *Service) FindDirectRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).
		Preload("Members").
		Where("room_type = ? AND direct_key = ?", models.RoomTypeDirect, models.DirectPairKey(userA, userB)).
		First(&room).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRoomsForUser повертає всі кімнати userID, новіші першими.
func (s *Service) ListRoomsForUser(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Preload("Members").
		Joins("JOIN room_members ON room_members.room_id = chat_rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("chat_rooms.created_at desc").
		Find(&rooms).Error
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("Failed to list rooms")
		return nil, err
	}
	return rooms, nil
}

// GetRoomByID завантажує кімнату з учасниками.
func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom

	err := s.DB.WithContext(ctx).Preload("Members").Where("id = ?", roomID).First(&room).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("Failed to get room")
		return nil, err
	}
	return &room, nil
}

// GetResident завантажує профіль мешканця.
func (s *Service) GetResident(ctx context.Context, id string) (*models.Resident, error) {
	var resident models.Resident
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&resident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &resident, nil
}

// SaveResident створює або оновлює профіль мешканця.
func (s *Service) SaveResident(ctx context.Context, resident *models.Resident) error {
	return s.DB.WithContext(ctx).Save(resident).Error
}
