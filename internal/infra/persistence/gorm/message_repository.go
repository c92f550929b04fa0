package gormpersistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// GormMessageRepository 是 MessageRepository 接口的 GORM 实现
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GormMessageRepository 实例
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	if db == nil {
		panic("database connection cannot be nil for GormMessageRepository")
	}
	return &GormMessageRepository{db: db}
}

// Append 插入一条消息
func (r *GormMessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	err := r.db.WithContext(ctx).Create(msg).Error
	if err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: append message (room %d, id %s): %w", msg.RoomID, msg.ID, err)
	}
	return nil
}

// ListByRoom 按 (created_at, id) 升序返回消息
func (r *GormMessageRepository) ListByRoom(ctx context.Context, roomID uint, since time.Time, limit int) ([]domain.ChatMessage, error) {
	var messages []domain.ChatMessage
	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Order("created_at ASC").Order("id ASC").Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list messages for room %d: %w", roomID, err)
	}
	return messages, nil
}
