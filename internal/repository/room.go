package repository

import (
	"context"

	"github.com/chriscod3/code-collab/internal/domain"
)

// RoomRepository 定义了房间数据的存储和检索操作。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间，不存在时返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id uint) (*domain.Room, error)

	// FindByCode 根据房间码查找房间，不存在时返回 ErrRoomNotFound。
	FindByCode(ctx context.Context, code string) (*domain.Room, error)

	// FindByCodes 批量查询房间，主要用于周期任务根据活跃房间码查找房间。
	FindByCodes(ctx context.Context, codes []string) ([]domain.Room, error)

	// Create 插入新房间，房间码冲突时返回 ErrDuplicateEntry。
	Create(ctx context.Context, room *domain.Room) error

	// IsCodeExists 检查房间码是否已存在。
	IsCodeExists(ctx context.Context, code string) (bool, error)
}
