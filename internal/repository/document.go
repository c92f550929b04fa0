package repository

import (
	"context"

	"github.com/chriscod3/code-collab/internal/domain"
)

// DocumentRepository 定义了房间文档的存储操作。
type DocumentRepository interface {
	// FindByRoomID 获取房间的文档，不存在时返回 ErrDocumentNotFound。
	FindByRoomID(ctx context.Context, roomID uint) (*domain.Document, error)

	// CreateIfAbsent 在房间还没有文档时插入 doc。
	// 返回实际存在的文档（可能是其他并发初始化者写入的）以及本次是否插入成功。
	CreateIfAbsent(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error)

	// Update 按 patch 更新指定字段并递增 revision，返回更新后的整行。
	Update(ctx context.Context, patch domain.DocumentPatch) (*domain.Document, error)
}
