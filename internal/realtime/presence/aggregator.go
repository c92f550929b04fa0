// Package presence 把房间内各个连接的在线登记汇总成一份名单。
// presence 原语的成员列表是唯一的事实来源，每次收到增量事件都重新拉取并计算。
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
)

// State 聚合器状态
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateSynced:
		return "synced"
	default:
		return "disconnected"
	}
}

// Roster 某一时刻的在线名单
type Roster struct {
	State   State
	Members []domain.PresenceEntry
}

// OnlineCount 在线人数
func (r Roster) OnlineCount() int { return len(r.Members) }

// Options Aggregator 配置
type Options struct {
	ReadyTimeout time.Duration
	OnStatus     transport.StatusHandler
	Logger       *logrus.Entry
}

// 单次重新计算拉取成员列表的超时
const recomputeTimeout = 5 * time.Second

// Aggregator 一个房间的在线名单
type Aggregator struct {
	adapter  *transport.Adapter
	roomCode string
	opts     Options
	log      *logrus.Entry

	recomputeMu sync.Mutex
	notifyMu    sync.Mutex

	mu        sync.Mutex
	state     State
	members   []domain.PresenceEntry
	self      *domain.PresenceEntry
	sub       *transport.Subscription
	gen       uint64 // 已发起的重新计算
	applied   uint64 // 已发布的结果
	observers map[int]func(Roster)
	nextObs   int
	closed    bool
}

// New 创建房间 roomCode 的聚合器，初始状态为 Disconnected
func New(adapter *transport.Adapter, roomCode string, opts Options) *Aggregator {
	if adapter == nil {
		panic("transport adapter cannot be nil for presence Aggregator")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "presence")
	}
	return &Aggregator{
		adapter:   adapter,
		roomCode:  roomCode,
		opts:      opts,
		log:       opts.Logger.WithField("room_code", roomCode),
		observers: make(map[int]func(Roster)),
	}
}

// Join 订阅增量事件并登记自己的在线状态。订阅确认生效后名单才进入 Synced，
// 在此之前停留在 Joining。
func (a *Aggregator) Join(ctx context.Context, entry domain.PresenceEntry) error {
	if entry.ParticipantID == "" {
		return fmt.Errorf("%w: empty participant id", domain.ErrInvalidInput)
	}
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now().UTC()
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if a.self != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: already joined as %s", domain.ErrInvalidInput, a.self.ParticipantID)
	}
	self := entry
	a.self = &self
	a.mu.Unlock()
	a.setState(StateJoining)

	sub, err := a.adapter.SubscribePresence(ctx, a.roomCode, a.onEvent, a.onStatus)
	if err != nil {
		a.reset()
		return err
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, a.opts.ReadyTimeout)
	defer cancel()
	if err := sub.WaitReady(readyCtx); err != nil {
		a.log.WithError(err).Warn("Presence subscription not live yet, continuing")
	}

	if err := a.adapter.PublishPresence(ctx, a.roomCode, entry); err != nil {
		_ = sub.Close()
		a.reset()
		return err
	}
	a.recompute(ctx)
	a.log.WithField("participant_id", entry.ParticipantID).Info("Joined room presence")
	return nil
}

// Leave 移除自己的登记并停止接收增量事件，名单清空并回到 Disconnected。
func (a *Aggregator) Leave(ctx context.Context) error {
	a.mu.Lock()
	self, sub := a.self, a.sub
	a.self, a.sub = nil, nil
	a.gen++ // 丢弃进行中的重新计算
	a.applied = a.gen
	a.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	var err error
	if self != nil {
		err = a.adapter.UnpublishPresence(ctx, a.roomCode, self.ParticipantID)
		if err != nil {
			a.log.WithError(err).Warn("Failed to remove presence, entry will expire")
		}
	}
	a.update(func() bool {
		changed := a.state != StateDisconnected || len(a.members) > 0
		a.state = StateDisconnected
		a.members = nil
		return changed
	})
	return err
}

// Close 离开房间并停止所有回调
func (a *Aggregator) Close(ctx context.Context) error {
	err := a.Leave(ctx)
	a.mu.Lock()
	a.closed = true
	a.observers = make(map[int]func(Roster))
	a.mu.Unlock()
	a.notifyMu.Lock()
	a.notifyMu.Unlock()
	return err
}

// State 当前状态
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnlineCount 当前在线人数
func (a *Aggregator) OnlineCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}

// Roster 当前名单
func (a *Aggregator) Roster() Roster {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rosterLocked()
}

func (a *Aggregator) rosterLocked() Roster {
	members := make([]domain.PresenceEntry, len(a.members))
	copy(members, a.members)
	return Roster{State: a.state, Members: members}
}

// Subscribe 注册名单变化回调并立即回放当前名单，返回取消函数
func (a *Aggregator) Subscribe(cb func(Roster)) func() {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = cb
	roster := a.rosterLocked()
	a.mu.Unlock()

	cb(roster)
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) update(fn func() bool) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	changed := fn()
	roster := a.rosterLocked()
	cbs := make([]func(Roster), 0, len(a.observers))
	for _, cb := range a.observers {
		cbs = append(cbs, cb)
	}
	a.mu.Unlock()

	if changed {
		for _, cb := range cbs {
			cb(roster)
		}
	}
}

func (a *Aggregator) setState(s State) {
	a.update(func() bool {
		if a.state == s {
			return false
		}
		a.state = s
		return true
	})
}

func (a *Aggregator) reset() {
	a.mu.Lock()
	a.self, a.sub = nil, nil
	a.mu.Unlock()
	a.setState(StateDisconnected)
}

// onEvent 增量事件只作为触发信号，名单以成员列表为准
func (a *Aggregator) onEvent(ev transport.PresenceEvent) {
	a.log.WithFields(logrus.Fields{"event": ev.Kind, "participant_id": ev.Entry.ParticipantID}).Debug("Presence delta received")
	ctx, cancel := context.WithTimeout(context.Background(), recomputeTimeout)
	defer cancel()
	a.recompute(ctx)
}

func (a *Aggregator) onStatus(ev transport.StatusEvent) {
	if a.opts.OnStatus != nil {
		a.opts.OnStatus(ev)
	}
	switch ev.Status {
	case transport.StatusLive:
		ctx, cancel := context.WithTimeout(context.Background(), recomputeTimeout)
		defer cancel()
		a.recompute(ctx)
	case transport.StatusDisconnected, transport.StatusDegraded:
		a.setState(StateDisconnected)
	case transport.StatusReconnected:
		a.rejoin()
	}
}

// rejoin 重连后重新登记自己并重新计算名单
func (a *Aggregator) rejoin() {
	a.mu.Lock()
	self := a.self
	a.mu.Unlock()
	if self == nil {
		return
	}
	a.setState(StateJoining)

	ctx, cancel := context.WithTimeout(context.Background(), recomputeTimeout)
	defer cancel()
	if err := a.adapter.PublishPresence(ctx, a.roomCode, *self); err != nil {
		a.log.WithError(err).Warn("Failed to re-publish presence after reconnect")
	}
	a.recompute(ctx)
}

// recompute 从成员列表重新计算名单。
// 串行执行，并且按发起顺序编号，比已发布结果旧的结果被丢弃。
func (a *Aggregator) recompute(ctx context.Context) {
	a.mu.Lock()
	if a.closed || a.self == nil {
		a.mu.Unlock()
		return
	}
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	a.recomputeMu.Lock()
	defer a.recomputeMu.Unlock()

	members, err := a.adapter.Members(ctx, a.roomCode)
	if err != nil {
		a.log.WithError(err).Warn("Failed to recompute presence roster")
		return
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ParticipantID < members[j].ParticipantID
	})

	a.update(func() bool {
		if a.closed || a.self == nil || gen <= a.applied {
			return false
		}
		a.applied = gen
		a.members = members
		if a.liveLocked() {
			a.state = StateSynced
		}
		return true
	})
}

// liveLocked 增量事件订阅是否已生效
func (a *Aggregator) liveLocked() bool {
	if a.sub == nil {
		return false
	}
	switch a.sub.Status() {
	case transport.StatusLive, transport.StatusReconnected:
		return true
	default:
		return false
	}
}
