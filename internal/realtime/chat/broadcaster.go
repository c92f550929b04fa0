// Package chat 按 (CreatedAt, ID) 顺序向会话投递房间的聊天消息，每条消息只投递一次。
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
)

// Store 消息的持久化入口，由 service.ChatService 实现
type Store interface {
	// PostMessage 分配 ID 和 CreatedAt 后持久化，同一房间按分配顺序发布
	PostMessage(ctx context.Context, roomID uint, author, body string) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, roomID uint, since time.Time, limit int) ([]domain.ChatMessage, error)
}

// Options Broadcaster 配置
type Options struct {
	ReadyTimeout    time.Duration
	HistoryPageSize int
	OnStatus        transport.StatusHandler
	Logger          *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 200
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "chat")
	}
	return o
}

// 重连后补拉历史的超时
const gapFillTimeout = 5 * time.Second

// Broadcaster 一个房间的有序消息流
type Broadcaster struct {
	store  Store
	roomID uint
	opts   Options
	log    *logrus.Entry
	sub    *transport.Subscription

	notifyMu sync.Mutex

	mu        sync.Mutex
	messages  []domain.ChatMessage
	watermark *domain.ChatMessage
	loaded    bool
	buffered  []domain.ChatMessage
	observers map[int]func(domain.ChatMessage)
	nextObs   int
	closed    bool
}

// Start 先订阅消息变更并缓存期间到达的消息，再加载历史，最后按水位线投递缓存的消息。
func Start(ctx context.Context, store Store, adapter *transport.Adapter, roomID uint, opts Options) (*Broadcaster, error) {
	if store == nil {
		panic("chat store cannot be nil for Broadcaster")
	}
	if adapter == nil {
		panic("transport adapter cannot be nil for Broadcaster")
	}
	opts = opts.withDefaults()
	b := &Broadcaster{
		store:     store,
		roomID:    roomID,
		opts:      opts,
		log:       opts.Logger.WithField("room_id", roomID),
		observers: make(map[int]func(domain.ChatMessage)),
	}

	sub, err := adapter.SubscribeToEntityChanges(ctx, transport.KindChatMessage, roomID, b.onChange, b.onStatus)
	if err != nil {
		return nil, err
	}
	b.sub = sub

	readyCtx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	defer cancel()
	if err := sub.WaitReady(readyCtx); err != nil {
		if ctx.Err() != nil {
			_ = sub.Close()
			return nil, ctx.Err()
		}
		b.log.WithError(err).Warn("Chat subscription not live yet, continuing")
	}

	if err := b.loadHistory(ctx, time.Time{}); err != nil {
		_ = sub.Close()
		return nil, err
	}

	b.update(func() []domain.ChatMessage {
		b.loaded = true
		pending := b.buffered
		b.buffered = nil
		sort.Slice(pending, func(i, j int) bool { return pending[i].Before(pending[j]) })
		var delivered []domain.ChatMessage
		for _, msg := range pending {
			if b.admitLocked(msg) {
				delivered = append(delivered, msg)
			}
		}
		return delivered
	})
	return b, nil
}

// Send 发送一条消息。正文去掉首尾空白后不能为空，作者名可以为空。
// ID 和时间戳由 Store 分配；消息不会乐观地加入本地列表，持久化成功后经由 feed 投递。
func (b *Broadcaster) Send(ctx context.Context, author, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("%w: empty message body", domain.ErrInvalidInput)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return domain.ErrSessionClosed
	}

	if _, err := b.store.PostMessage(ctx, b.roomID, author, body); err != nil {
		return err
	}
	metrics.ChatMessagesTotal.Inc()
	return nil
}

// Messages 返回已投递的消息
func (b *Broadcaster) Messages() []domain.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ChatMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Subscribe 先按顺序回放已投递的消息，再接收之后的新消息，返回取消函数。
func (b *Broadcaster) Subscribe(cb func(domain.ChatMessage)) func() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	replay := make([]domain.ChatMessage, len(b.messages))
	copy(replay, b.messages)
	id := b.nextObs
	b.nextObs++
	b.observers[id] = cb
	b.mu.Unlock()

	for _, msg := range replay {
		cb(msg)
	}
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// update 在 mu 内执行 fn 并按顺序把 fn 返回的消息投递给观察者
func (b *Broadcaster) update(fn func() []domain.ChatMessage) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	delivered := fn()
	cbs := make([]func(domain.ChatMessage), 0, len(b.observers))
	for _, cb := range b.observers {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	for _, msg := range delivered {
		for _, cb := range cbs {
			cb(msg)
		}
	}
}

// admitLocked 消息排在水位线之后才接收，调用方持有 mu
func (b *Broadcaster) admitLocked(msg domain.ChatMessage) bool {
	if b.watermark != nil && !b.watermark.Before(msg) {
		return false
	}
	b.messages = append(b.messages, msg)
	m := msg
	b.watermark = &m
	return true
}

// loadHistory 分页加载 since 之后的历史消息并投递
func (b *Broadcaster) loadHistory(ctx context.Context, since time.Time) error {
	for {
		page, err := b.store.ListMessages(ctx, b.roomID, since, b.opts.HistoryPageSize)
		if err != nil {
			b.log.WithError(err).Warn("Failed to load chat history")
			return err
		}
		b.update(func() []domain.ChatMessage {
			if b.closed {
				return nil
			}
			var delivered []domain.ChatMessage
			for _, msg := range page {
				if b.admitLocked(msg) {
					delivered = append(delivered, msg)
				}
			}
			return delivered
		})
		if len(page) < b.opts.HistoryPageSize {
			return nil
		}
		last := page[len(page)-1].CreatedAt
		if !last.After(since) {
			// 一整页消息时间戳相同，无法继续按时间翻页
			b.log.WithField("created_at", last).Warn("Chat history page did not advance, stopping")
			return nil
		}
		since = last
	}
}

func (b *Broadcaster) onChange(change transport.Change) {
	if change.Message == nil {
		return
	}
	msg := *change.Message
	b.update(func() []domain.ChatMessage {
		if b.closed {
			return nil
		}
		if !b.loaded {
			b.buffered = append(b.buffered, msg)
			return nil
		}
		if b.admitLocked(msg) {
			return []domain.ChatMessage{msg}
		}
		b.log.WithField("message_id", msg.ID).Debug("Dropping already delivered message")
		return nil
	})
}

func (b *Broadcaster) onStatus(ev transport.StatusEvent) {
	if b.opts.OnStatus != nil {
		b.opts.OnStatus(ev)
	}
	if ev.Status != transport.StatusReconnected {
		return
	}
	b.mu.Lock()
	var since time.Time
	if b.watermark != nil {
		since = b.watermark.CreatedAt
	}
	loaded, closed := b.loaded, b.closed
	b.mu.Unlock()
	if !loaded || closed {
		return
	}

	// 断线期间的消息不会再推送，从历史补齐
	ctx, cancel := context.WithTimeout(context.Background(), gapFillTimeout)
	defer cancel()
	if err := b.loadHistory(ctx, since); err == nil {
		b.log.Info("Chat history gap filled after reconnect")
	}
}

// Close 停止接收消息，返回后不会再有观察者回调
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.observers = make(map[int]func(domain.ChatMessage))
	b.mu.Unlock()

	if b.sub != nil {
		_ = b.sub.Close()
	}
	b.notifyMu.Lock()
	b.notifyMu.Unlock()
	return nil
}
