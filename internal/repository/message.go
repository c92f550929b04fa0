package repository

import (
	"context"
	"time"

	"github.com/chriscod3/code-collab/internal/domain"
)

// MessageRepository 定义了聊天消息的存储操作，消息只追加。
type MessageRepository interface {
	// Append 插入一条消息。
	Append(ctx context.Context, msg *domain.ChatMessage) error

	// ListByRoom 按 (created_at, id) 升序返回房间的消息。
	// since 非零时只返回 created_at >= since 的消息（调用方自行按水位线去重）。
	ListByRoom(ctx context.Context, roomID uint, since time.Time, limit int) ([]domain.ChatMessage, error)
}
