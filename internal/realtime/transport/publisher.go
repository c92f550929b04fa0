package transport

import (
	"context"
	"fmt"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// Publisher 把已持久化的写入发布到 feed，存储层在写库成功后调用
type Publisher struct {
	feed repository.ChangeFeed
}

// NewPublisher 创建 Publisher
func NewPublisher(feed repository.ChangeFeed) *Publisher {
	if feed == nil {
		panic("change feed cannot be nil for Publisher")
	}
	return &Publisher{feed: feed}
}

// PublishDocument 发布文档变更
func (p *Publisher) PublishDocument(ctx context.Context, op Op, doc domain.Document, origin string, seq uint64, fields []domain.DocumentField) error {
	payload, err := EncodeDocumentChange(op, doc, origin, seq, fields)
	if err != nil {
		return err
	}
	if err := p.feed.Publish(ctx, ChangeChannel(KindDocument, doc.RoomID), payload); err != nil {
		return fmt.Errorf("transport: publish document %d change: %w", doc.ID, err)
	}
	return nil
}

// PublishMessage 发布新消息
func (p *Publisher) PublishMessage(ctx context.Context, msg domain.ChatMessage) error {
	payload, err := EncodeMessageInsert(msg)
	if err != nil {
		return err
	}
	if err := p.feed.Publish(ctx, ChangeChannel(KindChatMessage, msg.RoomID), payload); err != nil {
		return fmt.Errorf("transport: publish message %s: %w", msg.ID, err)
	}
	return nil
}

// PublishPresence 发布 presence 增量事件
func (p *Publisher) PublishPresence(ctx context.Context, roomCode string, ev PresenceEvent) error {
	payload, err := encodePresenceEvent(ev)
	if err != nil {
		return fmt.Errorf("transport: encode presence event: %w", err)
	}
	return p.feed.Publish(ctx, PresenceChannel(roomCode), payload)
}
