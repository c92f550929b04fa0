package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// GormDocumentRepository 是 DocumentRepository 接口的 GORM 实现
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository 创建 GormDocumentRepository 实例
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	if db == nil {
		panic("database connection cannot be nil for GormDocumentRepository")
	}
	return &GormDocumentRepository{db: db}
}

// FindByRoomID 获取房间的文档
func (r *GormDocumentRepository) FindByRoomID(ctx context.Context, roomID uint) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("gorm: find document by room id %d: %w", roomID, err)
	}
	return &doc, nil
}

// CreateIfAbsent 先插入者获胜。
// room_id 唯一索引冲突时不报错，读回已存在的那一行。
func (r *GormDocumentRepository) CreateIfAbsent(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(doc)
	if result.Error != nil && !isDuplicateEntry(result.Error) {
		return nil, false, fmt.Errorf("gorm: create document for room %d: %w", doc.RoomID, result.Error)
	}
	if result.Error == nil && result.RowsAffected == 1 {
		return doc, true, nil
	}

	// 其他初始化者已经写入
	existing, err := r.FindByRoomID(ctx, doc.RoomID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Update 更新 patch 中的字段并递增 revision。
// MySQL 没有 RETURNING，在同一事务里读回更新后的行。
func (r *GormDocumentRepository) Update(ctx context.Context, patch domain.DocumentPatch) (*domain.Document, error) {
	updates := map[string]interface{}{
		"revision":   gorm.Expr("revision + 1"),
		"updated_by": patch.Origin,
	}
	if patch.Content != nil {
		updates["content"] = *patch.Content
	}
	if patch.Language != nil {
		updates["language"] = string(*patch.Language)
	}

	var doc domain.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Document{}).Where("id = ?", patch.DocumentID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrDocumentNotFound
		}
		return tx.First(&doc, patch.DocumentID).Error
	})
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("gorm: update document %d: %w", patch.DocumentID, err)
	}
	return &doc, nil
}
