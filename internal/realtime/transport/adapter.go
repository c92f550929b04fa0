package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// --- Channel naming ---

// ChangeChannel 实体变更的 channel 名
func ChangeChannel(kind EntityKind, roomID uint) string {
	switch kind {
	case KindDocument:
		return fmt.Sprintf("room:%d:documents", roomID)
	default:
		return fmt.Sprintf("room:%d:messages", roomID)
	}
}

// PresenceChannel presence 增量事件的 channel 名
func PresenceChannel(roomCode string) string {
	return fmt.Sprintf("room:%s:presence", roomCode)
}

// PresenceTopic presence 成员集合的 topic，即房间码
func PresenceTopic(roomCode string) string {
	return roomCode
}

// Options Adapter 配置
type Options struct {
	Backoff           Backoff
	DegradedAfter     int           // 连续失败多少次后报告 Degraded
	PresenceTTL       time.Duration // presence 登记的存活时间
	HeartbeatInterval time.Duration // presence 刷新间隔，应小于 PresenceTTL
	Logger            *logrus.Entry
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		Backoff:           DefaultBackoff(),
		DegradedAfter:     5,
		PresenceTTL:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		Logger:            logrus.WithField("component", "transport"),
	}
}

// ChangeHandler 接收解码后的实体变更
type ChangeHandler func(Change)

// PresenceHandler 接收 presence 增量事件
type PresenceHandler func(PresenceEvent)

// StatusHandler 接收订阅状态变化
type StatusHandler func(StatusEvent)

// Adapter 包装 ChangeFeed，提供按实体和房间订阅、presence 发布等类型化操作。
// 每个 Session 持有自己的 Adapter，Close 时释放它登记的全部订阅和 presence。
type Adapter struct {
	feed      repository.ChangeFeed
	publisher *Publisher
	opts      Options
	log       *logrus.Entry

	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	heartbeats map[string]*heartbeat
	closed     bool
}

// NewAdapter 创建 Adapter
func NewAdapter(feed repository.ChangeFeed, opts Options) *Adapter {
	if feed == nil {
		panic("change feed cannot be nil for transport Adapter")
	}
	def := DefaultOptions()
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = def.DegradedAfter
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = def.PresenceTTL
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.PresenceTTL {
		opts.HeartbeatInterval = opts.PresenceTTL / 3
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Adapter{
		feed:       feed,
		publisher:  NewPublisher(feed),
		opts:       opts,
		log:        opts.Logger,
		subs:       make(map[*Subscription]struct{}),
		heartbeats: make(map[string]*heartbeat),
	}
}

// SubscribeToEntityChanges 订阅某房间某类实体的变更。
// 事件在边界处解码校验，类型或房间不匹配的事件被丢弃；
// 同一文档的事件按 revision 去重和排序，旧的或重复的 revision 不再投递。
func (a *Adapter) SubscribeToEntityChanges(ctx context.Context, kind EntityKind, roomID uint, onChange ChangeHandler, onStatus StatusHandler) (*Subscription, error) {
	if kind != KindDocument && kind != KindChatMessage {
		return nil, fmt.Errorf("%w: unknown entity kind %q", domain.ErrInvalidInput, kind)
	}
	if onChange == nil {
		return nil, fmt.Errorf("%w: nil change handler", domain.ErrInvalidInput)
	}
	channel := ChangeChannel(kind, roomID)
	logCtx := a.log.WithFields(logrus.Fields{"room_id": roomID, "kind": kind})

	// 只在订阅 goroutine 内访问
	lastRevision := make(map[uint]uint64)
	handle := func(payload []byte) {
		change, err := DecodeChange(payload)
		if err != nil {
			logCtx.WithError(err).Warn("Dropping undecodable change event")
			return
		}
		if change.Kind != kind || change.RoomID != roomID {
			logCtx.WithFields(logrus.Fields{"event_kind": change.Kind, "event_room": change.RoomID}).Warn("Dropping change event for another subscription")
			return
		}
		if change.Document != nil {
			doc := change.Document.Document
			if last, ok := lastRevision[doc.ID]; ok && doc.Revision <= last {
				logCtx.WithFields(logrus.Fields{"revision": doc.Revision, "last_revision": last}).Debug("Dropping stale document revision")
				return
			}
			lastRevision[doc.ID] = doc.Revision
		}
		onChange(change)
	}
	return a.register(ctx, channel, handle, onStatus)
}

// SubscribePresence 订阅房间的 presence 增量事件
func (a *Adapter) SubscribePresence(ctx context.Context, roomCode string, onEvent PresenceHandler, onStatus StatusHandler) (*Subscription, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("%w: nil presence handler", domain.ErrInvalidInput)
	}
	channel := PresenceChannel(roomCode)
	logCtx := a.log.WithField("room_code", roomCode)
	handle := func(payload []byte) {
		ev, err := decodePresenceEvent(payload)
		if err != nil {
			logCtx.WithError(err).Warn("Dropping undecodable presence event")
			return
		}
		onEvent(ev)
	}
	return a.register(ctx, channel, handle, onStatus)
}

func (a *Adapter) register(ctx context.Context, channel string, handle func([]byte), onStatus StatusHandler) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, domain.ErrSessionClosed
	}
	sub := newSubscription(channel, a.feed, a.opts, handle, onStatus, a.release)
	a.subs[sub] = struct{}{}
	sub.start()
	return sub, nil
}

func (a *Adapter) release(sub *Subscription) {
	a.mu.Lock()
	delete(a.subs, sub)
	a.mu.Unlock()
}

// PublishPresence 登记 presence 并保持心跳刷新，首次加入时发布 join 事件
func (a *Adapter) PublishPresence(ctx context.Context, roomCode string, entry domain.PresenceEntry) error {
	if entry.ParticipantID == "" {
		return fmt.Errorf("%w: empty participant id", domain.ErrInvalidInput)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrSessionClosed
	}
	a.mu.Unlock()

	if err := a.track(ctx, roomCode, entry); err != nil {
		return err
	}

	key := heartbeatKey(roomCode, entry.ParticipantID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return domain.ErrSessionClosed
	}
	if _, ok := a.heartbeats[key]; !ok {
		hb := newHeartbeat(a.opts.HeartbeatInterval, func(ctx context.Context) error {
			return a.track(ctx, roomCode, entry)
		}, a.log.WithFields(logrus.Fields{"room_code": roomCode, "participant_id": entry.ParticipantID}))
		a.heartbeats[key] = hb
		hb.start()
	}
	return nil
}

func (a *Adapter) track(ctx context.Context, roomCode string, entry domain.PresenceEntry) error {
	meta, err := encodePresenceEntry(entry)
	if err != nil {
		return fmt.Errorf("transport: encode presence entry: %w", err)
	}
	joined, err := a.feed.Track(ctx, PresenceTopic(roomCode), entry.ParticipantID, meta, a.opts.PresenceTTL)
	if err != nil {
		return fmt.Errorf("%w: track presence: %v", domain.ErrTransportUnavailable, err)
	}
	if joined {
		if err := a.publisher.PublishPresence(ctx, roomCode, PresenceEvent{Kind: PresenceJoin, Entry: entry}); err != nil {
			return fmt.Errorf("%w: publish join: %v", domain.ErrTransportUnavailable, err)
		}
	}
	return nil
}

// UnpublishPresence 停止心跳并移除 presence，成员确实在线时发布 leave 事件
func (a *Adapter) UnpublishPresence(ctx context.Context, roomCode, participantID string) error {
	key := heartbeatKey(roomCode, participantID)
	a.mu.Lock()
	hb := a.heartbeats[key]
	delete(a.heartbeats, key)
	a.mu.Unlock()
	if hb != nil {
		hb.stop()
	}

	removed, err := a.feed.Untrack(ctx, PresenceTopic(roomCode), participantID)
	if err != nil {
		return fmt.Errorf("%w: untrack presence: %v", domain.ErrTransportUnavailable, err)
	}
	if removed {
		ev := PresenceEvent{Kind: PresenceLeave, Entry: domain.PresenceEntry{ParticipantID: participantID}}
		if err := a.publisher.PublishPresence(ctx, roomCode, ev); err != nil {
			return fmt.Errorf("%w: publish leave: %v", domain.ErrTransportUnavailable, err)
		}
	}
	return nil
}

// Members 返回房间当前在线成员（presence 原语是唯一的事实来源）
func (a *Adapter) Members(ctx context.Context, roomCode string) ([]domain.PresenceEntry, error) {
	members, err := a.feed.Members(ctx, PresenceTopic(roomCode))
	if err != nil {
		return nil, fmt.Errorf("%w: list presence: %v", domain.ErrTransportUnavailable, err)
	}
	return DecodeMembers(members), nil
}

// DecodeMembers 把 feed 成员转换成 PresenceEntry，元数据损坏时只保留 ID
func DecodeMembers(members []repository.FeedMember) []domain.PresenceEntry {
	entries := make([]domain.PresenceEntry, 0, len(members))
	for _, m := range members {
		entry, err := DecodePresenceEntry(m.Meta)
		if err != nil || entry.ParticipantID == "" {
			entry = domain.PresenceEntry{ParticipantID: m.ID}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Close 关闭所有订阅并停止心跳。presence 的移除由调用方通过 UnpublishPresence 显式完成，
// 未移除的登记会在 TTL 后过期。
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := make([]*Subscription, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	hbs := make([]*heartbeat, 0, len(a.heartbeats))
	for _, hb := range a.heartbeats {
		hbs = append(hbs, hb)
	}
	a.heartbeats = make(map[string]*heartbeat)
	a.mu.Unlock()

	for _, hb := range hbs {
		hb.stop()
	}
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func heartbeatKey(roomCode, participantID string) string {
	return roomCode + "/" + participantID
}

// heartbeat 定期刷新 presence 登记
type heartbeat struct {
	interval time.Duration
	refresh  func(ctx context.Context) error
	log      *logrus.Entry
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHeartbeat(interval time.Duration, refresh func(ctx context.Context) error, log *logrus.Entry) *heartbeat {
	return &heartbeat{interval: interval, refresh: refresh, log: log, done: make(chan struct{})}
}

func (h *heartbeat) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, h.interval)
				if err := h.refresh(refreshCtx); err != nil && ctx.Err() == nil {
					h.log.WithError(err).Warn("Presence heartbeat failed")
				}
				cancel()
			}
		}
	}()
}

func (h *heartbeat) stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}
