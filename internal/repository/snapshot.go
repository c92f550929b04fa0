package repository

import (
	"context"

	"github.com/chriscod3/code-collab/internal/domain"
)

// SnapshotRepository 定义了文档快照在数据库中的操作。
type SnapshotRepository interface {
	// GetLatestSnapshot 获取指定房间的最新快照记录，没有快照时返回 ErrSnapshotNotFound。
	GetLatestSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, error)

	// SaveSnapshot 保存快照记录到数据库。
	SaveSnapshot(ctx context.Context, snapshot *domain.DocumentSnapshot) error

	// ListSnapshots 按创建时间倒序列出房间的快照（不含内容）。
	ListSnapshots(ctx context.Context, roomID uint, limit int) ([]domain.DocumentSnapshot, error)
	// FindSnapshot 查找房间内的某个快照（含内容），不存在时返回 ErrSnapshotNotFound。
	FindSnapshot(ctx context.Context, roomID, snapshotID uint) (*domain.DocumentSnapshot, error)
}
