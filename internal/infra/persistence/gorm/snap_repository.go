package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// GormSnapshotRepository 是 SnapshotRepository 接口的 GORM 实现
type GormSnapshotRepository struct {
	db *gorm.DB
}

// NewGormSnapshotRepository 创建 GormSnapshotRepository 实例
func NewGormSnapshotRepository(db *gorm.DB) *GormSnapshotRepository {
	if db == nil {
		panic("database connection cannot be nil for GormSnapshotRepository")
	}
	return &GormSnapshotRepository{db: db}
}

// GetLatestSnapshot 获取指定房间的最新快照记录
// 通过按创建时间降序排序并取第一个实现
func (r *GormSnapshotRepository) GetLatestSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, error) {
	var snapshot domain.DocumentSnapshot
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("gorm: failed to get latest snapshot for room %d: %w", roomID, err)
	}
	return &snapshot, nil
}

// SaveSnapshot 插入新的快照记录，快照只写不改
func (r *GormSnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *domain.DocumentSnapshot) error {
	err := r.db.WithContext(ctx).Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("gorm: failed to save snapshot (room %d, revision %d): %w", snapshot.RoomID, snapshot.Revision, err)
	}
	return nil
}

// ListSnapshots 列出快照元数据，不加载压缩内容
func (r *GormSnapshotRepository) ListSnapshots(ctx context.Context, roomID uint, limit int) ([]domain.DocumentSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var snapshots []domain.DocumentSnapshot
	err := r.db.WithContext(ctx).
		Select("id", "room_id", "revision", "language", "digest", "size", "created_at").
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: failed to list snapshots for room %d: %w", roomID, err)
	}
	return snapshots, nil
}

// FindSnapshot 查找房间内的某个快照（含内容）
func (r *GormSnapshotRepository) FindSnapshot(ctx context.Context, roomID, snapshotID uint) (*domain.DocumentSnapshot, error) {
	var snapshot domain.DocumentSnapshot
	err := r.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", snapshotID, roomID).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("gorm: failed to find snapshot %d in room %d: %w", snapshotID, roomID, err)
	}
	return &snapshot, nil
}
