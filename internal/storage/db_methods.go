package storage

import (
	"context"
	"errors"
	"time"

	"residenthub/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageLimit = 50

// ListMessages повертає одну сторінку історії кімнати, новіші першими.
// З курсором повертаються лише повідомлення строго перед ним.
func (s *Service) ListMessages(ctx context.Context, roomID string, q models.PageQuery) ([]models.ChatMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	tx := s.DB.WithContext(ctx).Where("room_id = ?", roomID)
	if b := q.Before; b != nil {
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", b.CreatedAt, b.CreatedAt, b.ID)
	}

	var msgs []models.ChatMessage
	err := tx.Order("created_at desc").Order("id desc").Limit(limit).Find(&msgs).Error
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("Failed to list messages")
		return nil, err
	}
	return msgs, nil
}

// InsertMessage зберігає повідомлення та повертає його з ID і часом створення.
func (s *Service) InsertMessage(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error) {
	msg := models.ChatMessage{
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
		// Postgres зберігає мікросекунди, тож повернений час має збігатися з перечитаним.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.DB.WithContext(ctx).Create(&msg).Error; err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("Failed to save message")
		return nil, err
	}
	return &msg, nil
}

// UpsertReadReceipt пересуває позначку прочитання userID у roomID лише вперед.
// Старіший messageID не змінює збережену позначку.
func (s *Service) UpsertReadReceipt(ctx context.Context, roomID, userID string, messageID uint) error {
	receipt := models.ReadReceipt{
		RoomID:            roomID,
		UserID:            userID,
		LastReadMessageID: messageID,
		UpdatedAt:         time.Now().UTC(),
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_message_id", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("read_receipts.last_read_message_id < excluded.last_read_message_id"),
		}},
	}).Create(&receipt).Error
}

// GetReadReceipt повертає позначку userID у roomID, або нульову, якщо її немає.
func (s *Service) GetReadReceipt(ctx context.Context, roomID, userID string) (*models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ReadReceipt{RoomID: roomID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// CountUnread рахує повідомлення інших учасників, новіші за позначку userID.
func (s *Service) CountUnread(ctx context.Context, roomID, userID string) (int64, error) {
	receipt, err := s.GetReadReceipt(ctx, roomID, userID)
	if err != nil {
		return 0, err
	}

	var n int64
	err = s.DB.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("room_id = ? AND id > ? AND sender_id <> ?", roomID, receipt.LastReadMessageID, userID).
		Count(&n).Error
	return n, err
}
