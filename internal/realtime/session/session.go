// Package session 把一个参与者在一个房间里的三路同步（文档、在线名单、聊天）组合成一个会话。
// 每个会话持有自己的 transport.Adapter，Close 时释放全部订阅和 presence 登记。
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/chat"
	"github.com/chriscod3/code-collab/internal/realtime/presence"
	"github.com/chriscod3/code-collab/internal/realtime/replicator"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
)

// Participant 会话所属的参与者
type Participant struct {
	ID   string
	Name string
}

// RoomFinder 按房间码查找房间，由 service.RoomService 实现
type RoomFinder interface {
	FindRoomByCode(ctx context.Context, code string) (*domain.Room, error)
}

// SnapshotScheduler 为房间安排一次快照，由 tasks.Enqueuer 或 worker.InlineScheduler 实现
type SnapshotScheduler interface {
	ScheduleSnapshot(ctx context.Context, roomID uint) error
}

// Options Opener 配置
type Options struct {
	Transport       transport.Options
	ReadyTimeout    time.Duration
	HistoryPageSize int
	Logger          *logrus.Entry
}

// Opener 打开房间会话
type Opener struct {
	rooms     RoomFinder
	docs      replicator.Store
	chats     chat.Store
	feed      repository.ChangeFeed
	scheduler SnapshotScheduler
	opts      Options
}

// NewOpener 创建 Opener，scheduler 可为 nil（Save 只持久化不做快照）
func NewOpener(rooms RoomFinder, docs replicator.Store, chats chat.Store, feed repository.ChangeFeed, scheduler SnapshotScheduler, opts Options) *Opener {
	if rooms == nil || docs == nil || chats == nil || feed == nil {
		panic("dependencies cannot be nil for session Opener")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "session")
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger.WithField("component", "transport")
	}
	return &Opener{
		rooms:     rooms,
		docs:      docs,
		chats:     chats,
		feed:      feed,
		scheduler: scheduler,
		opts:      opts,
	}
}

// Session 一个参与者在一个房间里的会话
type Session struct {
	room        domain.Room
	participant Participant
	scheduler   SnapshotScheduler
	log         *logrus.Entry

	adapter  *transport.Adapter
	doc      *replicator.Replicator
	chat     *chat.Broadcaster
	presence *presence.Aggregator

	notifyMu sync.Mutex

	mu         sync.Mutex
	statuses   map[string]transport.StatusEvent
	observers  map[int]func(transport.StatusEvent)
	nextObs    int
	closed     bool
	counted    bool
	closeOnce  sync.Once
	closeError error
}

// OpenRoom 打开房间 code 的会话。
// 房间不存在返回 domain.ErrNotFound；房间还没有文档时用默认内容初始化。
// 任何一步失败都会释放已经取得的订阅。
func (o *Opener) OpenRoom(ctx context.Context, code string, p Participant) (*Session, error) {
	room, err := o.rooms.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	s := &Session{
		room:        *room,
		participant: p,
		scheduler:   o.scheduler,
		log: o.opts.Logger.WithFields(logrus.Fields{
			"room_code":      room.Code,
			"participant_id": p.ID,
		}),
		statuses:  make(map[string]transport.StatusEvent),
		observers: make(map[int]func(transport.StatusEvent)),
	}
	s.adapter = transport.NewAdapter(o.feed, o.opts.Transport)

	if err := s.open(ctx, o); err != nil {
		s.release(context.Background())
		return nil, err
	}

	s.mu.Lock()
	s.counted = true
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()
	s.log.Info("Room session opened")
	return s, nil
}

func (s *Session) open(ctx context.Context, o *Opener) error {
	roomID := s.room.ID
	docOpts := replicator.Options{ReadyTimeout: o.opts.ReadyTimeout, OnStatus: s.recordStatus, Logger: s.log}

	doc, err := replicator.Open(ctx, o.docs, s.adapter, roomID, docOpts)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Info("Room has no document yet, initializing")
		doc, err = replicator.Initialize(ctx, o.docs, s.adapter, roomID, domain.DefaultContent, domain.DefaultLanguage, docOpts)
	}
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	s.doc = doc

	broadcaster, err := chat.Start(ctx, o.chats, s.adapter, roomID, chat.Options{
		ReadyTimeout:    o.opts.ReadyTimeout,
		HistoryPageSize: o.opts.HistoryPageSize,
		OnStatus:        s.recordStatus,
		Logger:          s.log,
	})
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	s.chat = broadcaster

	s.presence = presence.New(s.adapter, s.room.Code, presence.Options{
		ReadyTimeout: o.opts.ReadyTimeout,
		OnStatus:     s.recordStatus,
		Logger:       s.log,
	})
	entry := domain.PresenceEntry{ParticipantID: s.participant.ID, Name: s.participant.Name, JoinedAt: time.Now().UTC()}
	if err := s.presence.Join(ctx, entry); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	return nil
}

// Room 会话所在的房间
func (s *Session) Room() domain.Room { return s.room }

// Participant 会话所属的参与者
func (s *Session) Participant() Participant { return s.participant }

// Document 当前文档状态
func (s *Session) Document() replicator.DocumentState { return s.doc.Snapshot() }

// Roster 当前在线名单
func (s *Session) Roster() presence.Roster { return s.presence.Roster() }

// Messages 当前已投递的消息
func (s *Session) Messages() []domain.ChatMessage { return s.chat.Messages() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Edit 本地编辑文档内容
func (s *Session) Edit(ctx context.Context, content string) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	return s.doc.ApplyLocalEdit(ctx, content)
}

// SetLanguage 修改文档语言，不支持的标签返回 domain.ErrInvalidInput
func (s *Session) SetLanguage(ctx context.Context, tag string) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	lang, err := domain.ParseLanguage(tag)
	if err != nil {
		return err
	}
	return s.doc.ApplyLanguageChange(ctx, lang)
}

// SendChat 以参与者的名字发送一条消息
func (s *Session) SendChat(ctx context.Context, body string) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	return s.chat.Send(ctx, s.participant.Name, body)
}

// Save 把内容和语言一起持久化，然后安排一次快照。快照入队失败只记录日志。
func (s *Session) Save(ctx context.Context) (replicator.DocumentState, error) {
	if s.isClosed() {
		return replicator.DocumentState{}, domain.ErrSessionClosed
	}
	if err := s.doc.Flush(ctx); err != nil {
		return replicator.DocumentState{}, err
	}
	state := s.doc.Snapshot()
	if s.scheduler != nil {
		if err := s.scheduler.ScheduleSnapshot(ctx, s.room.ID); err != nil {
			s.log.WithError(err).Warn("Failed to schedule snapshot after save")
		}
	}
	return state, nil
}

// OnDocumentChanged 订阅文档变化，立即回放当前状态。返回取消函数。
func (s *Session) OnDocumentChanged(cb func(replicator.DocumentState)) func() {
	return s.doc.Subscribe(cb)
}

// OnChatMessage 订阅消息，先按顺序回放已有消息。返回取消函数。
func (s *Session) OnChatMessage(cb func(domain.ChatMessage)) func() {
	return s.chat.Subscribe(cb)
}

// OnPresenceChanged 订阅在线名单变化，立即回放当前名单。返回取消函数。
func (s *Session) OnPresenceChanged(cb func(presence.Roster)) func() {
	return s.presence.Subscribe(cb)
}

// OnStatusChanged 订阅三条订阅的连接状态变化，先回放每个 channel 的最近状态。返回取消函数。
func (s *Session) OnStatusChanged(cb func(transport.StatusEvent)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextObs
	s.nextObs++
	s.observers[id] = cb
	replay := make([]transport.StatusEvent, 0, len(s.statuses))
	for _, ev := range s.statuses {
		replay = append(replay, ev)
	}
	s.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].Channel < replay[j].Channel })
	for _, ev := range replay {
		cb(ev)
	}
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) recordStatus(ev transport.StatusEvent) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.statuses[ev.Channel] = ev
	observers := make([]func(transport.StatusEvent), 0, len(s.observers))
	for _, cb := range s.observers {
		observers = append(observers, cb)
	}
	s.mu.Unlock()

	for _, cb := range observers {
		cb(ev)
	}
}

// Close 离开房间并释放所有订阅，可重复调用。返回后不会再有回调。
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeError = s.release(ctx)
		s.log.Info("Room session closed")
	})
	return s.closeError
}

// release 按 presence → chat → 文档 → adapter 的顺序关闭已经取得的部分
func (s *Session) release(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.observers = make(map[int]func(transport.StatusEvent))
	counted := s.counted
	s.counted = false
	s.mu.Unlock()

	var err error
	if s.presence != nil {
		err = s.presence.Close(ctx)
	}
	if s.chat != nil {
		_ = s.chat.Close()
	}
	if s.doc != nil {
		_ = s.doc.Close()
	}
	if s.adapter != nil {
		_ = s.adapter.Close()
	}
	s.notifyMu.Lock()
	s.notifyMu.Unlock()

	if counted {
		metrics.ActiveSessions.Dec()
	}
	return err
}
