package service

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
)

// 历史消息单次最多返回的条数
const maxHistoryLimit = 500

// ChatService 聊天消息的持久化入口，消息只追加。
type ChatService struct {
	msgRepo   repository.MessageRepository
	publisher *transport.Publisher
	log       *logrus.Entry
	clocks    sync.Map // roomID -> *roomClock
}

// roomClock 串行化一个房间的发送：时间戳不回退，同一毫秒内 ULID 单调递增
type roomClock struct {
	mu      sync.Mutex
	last    time.Time
	entropy *ulid.MonotonicEntropy
}

func (s *ChatService) clockFor(roomID uint) *roomClock {
	if c, ok := s.clocks.Load(roomID); ok {
		return c.(*roomClock)
	}
	c, _ := s.clocks.LoadOrStore(roomID, &roomClock{entropy: ulid.Monotonic(crand.Reader, 0)})
	return c.(*roomClock)
}

// PostMessage 为消息分配 ID 和 CreatedAt，保存并发布。
// 同一房间的发送串行执行，发布顺序与 (CreatedAt, ID) 顺序一致。
func (s *ChatService) PostMessage(ctx context.Context, roomID uint, author, body string) (domain.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if roomID == 0 {
		return domain.ChatMessage{}, fmt.Errorf("%w: room id is required", domain.ErrInvalidInput)
	}
	if body == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: empty message body", domain.ErrInvalidInput)
	}

	clock := s.clockFor(roomID)
	clock.mu.Lock()
	defer clock.mu.Unlock()

	// 存储按毫秒保存时间，这里提前截断，保证实时消息与历史消息的排序键一致
	now := time.Now().UTC().Truncate(time.Millisecond)
	if now.Before(clock.last) {
		now = clock.last
	}
	id, err := ulid.New(ulid.Timestamp(now), clock.entropy)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("generate message id: %w", err)
	}
	msg := domain.ChatMessage{
		ID:         id.String(),
		RoomID:     roomID,
		AuthorName: strings.TrimSpace(author),
		Body:       body,
		CreatedAt:  now,
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		return domain.ChatMessage{}, err
	}
	clock.last = now
	return msg, nil
}

// NewChatService 创建 ChatService 实例。
func NewChatService(msgRepo repository.MessageRepository, publisher *transport.Publisher) *ChatService {
	if msgRepo == nil {
		panic("MessageRepository cannot be nil for ChatService")
	}
	if publisher == nil {
		panic("Publisher cannot be nil for ChatService")
	}
	return &ChatService{
		msgRepo:   msgRepo,
		publisher: publisher,
		log:       logrus.WithField("component", "chat_service"),
	}
}

// AppendMessage 保存消息并发布 INSERT 事件。ID 和 CreatedAt 由调用方生成，
// 实时发送走 PostMessage。
func (s *ChatService) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	logCtx := s.log.WithFields(logrus.Fields{"room_id": msg.RoomID, "message_id": msg.ID})

	if msg.ID == "" || msg.RoomID == 0 {
		return fmt.Errorf("%w: message id and room id are required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return fmt.Errorf("%w: empty message body", domain.ErrInvalidInput)
	}

	if err := s.msgRepo.Append(ctx, &msg); err != nil {
		logCtx.WithError(err).Error("Failed to persist chat message")
		metrics.PersistFailuresTotal.WithLabelValues("chat_message").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}

	if err := s.publisher.PublishMessage(ctx, msg); err != nil {
		logCtx.WithError(err).Warn("Message stored but change event could not be published")
	}
	return nil
}

// ListMessages 按 (CreatedAt, ID) 升序返回房间消息。since 为零值时从头开始。
func (s *ChatService) ListMessages(ctx context.Context, roomID uint, since time.Time, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := s.msgRepo.ListByRoom(ctx, roomID, since, limit)
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("Failed to list chat messages")
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return msgs, nil
}
