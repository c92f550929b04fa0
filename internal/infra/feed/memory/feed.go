// Package memfeed 提供进程内的 ChangeFeed 实现，用于单节点部署和测试。
package memfeed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chriscod3/code-collab/internal/repository"
)

// ErrUnavailable 模拟传输不可用
var ErrUnavailable = errors.New("memfeed: unavailable")

// ErrDisconnected 订阅被 DropSubscribers 断开
var ErrDisconnected = errors.New("memfeed: disconnected")

type member struct {
	meta    []byte
	expires time.Time
}

// Feed 进程内变更通知 + presence。
type Feed struct {
	mu          sync.Mutex
	subscribers map[string]map[*stream]struct{}
	topics      map[string]map[string]*member
	unavailable bool
	now         func() time.Time
}

// Option 配置 Feed
type Option func(*Feed)

// WithClock 替换时间源，用于测试过期逻辑
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// New 创建内存 Feed
func New(opts ...Option) *Feed {
	f := &Feed{
		subscribers: make(map[string]map[*stream]struct{}),
		topics:      make(map[string]map[string]*member),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetUnavailable 打开后 Publish/Subscribe/Track 都返回 ErrUnavailable
func (f *Feed) SetUnavailable(v bool) {
	f.mu.Lock()
	f.unavailable = v
	f.mu.Unlock()
}

// DropSubscribers 以 ErrDisconnected 断开当前所有订阅，模拟网络中断
func (f *Feed) DropSubscribers() {
	f.mu.Lock()
	var all []*stream
	for _, subs := range f.subscribers {
		for s := range subs {
			all = append(all, s)
		}
	}
	f.subscribers = make(map[string]map[*stream]struct{})
	f.mu.Unlock()

	for _, s := range all {
		s.terminate(ErrDisconnected)
	}
}

// SubscriberCount 返回 channel 当前的订阅数
func (f *Feed) SubscriberCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers[channel])
}

// Publish 投递给 channel 的所有订阅者
func (f *Feed) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	if f.unavailable {
		f.mu.Unlock()
		return ErrUnavailable
	}
	targets := make([]*stream, 0, len(f.subscribers[channel]))
	for s := range f.subscribers[channel] {
		targets = append(targets, s)
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.deliver(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe 订阅 channel
func (f *Feed) Subscribe(ctx context.Context, channel string) (repository.FeedStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	s := newStream(f, channel)
	if f.subscribers[channel] == nil {
		f.subscribers[channel] = make(map[*stream]struct{})
	}
	f.subscribers[channel][s] = struct{}{}
	return s, nil
}

func (f *Feed) removeStream(s *stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs, ok := f.subscribers[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(f.subscribers, s.channel)
		}
	}
}

// Track 登记或刷新成员
func (f *Feed) Track(ctx context.Context, topic, memberID string, meta []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return false, ErrUnavailable
	}
	now := f.now()
	members := f.topics[topic]
	if members == nil {
		members = make(map[string]*member)
		f.topics[topic] = members
	}
	prev, ok := members[memberID]
	joined := !ok || prev.expires.Before(now)
	members[memberID] = &member{meta: append([]byte(nil), meta...), expires: now.Add(ttl)}
	return joined, nil
}

// Untrack 移除成员
func (f *Feed) Untrack(ctx context.Context, topic, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return false, ErrUnavailable
	}
	members := f.topics[topic]
	if _, ok := members[memberID]; !ok {
		return false, nil
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(f.topics, topic)
	}
	return true, nil
}

// Members 返回未过期成员，按 ID 排序
func (f *Feed) Members(ctx context.Context, topic string) ([]repository.FeedMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, ErrUnavailable
	}
	now := f.now()
	out := make([]repository.FeedMember, 0, len(f.topics[topic]))
	for id, m := range f.topics[topic] {
		if m.expires.Before(now) {
			continue
		}
		out = append(out, repository.FeedMember{ID: id, Meta: append([]byte(nil), m.meta...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Sweep 移除过期成员
func (f *Feed) Sweep(ctx context.Context, topic string) ([]repository.FeedMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var expired []repository.FeedMember
	for id, m := range f.topics[topic] {
		if m.expires.Before(now) {
			expired = append(expired, repository.FeedMember{ID: id, Meta: m.meta})
			delete(f.topics[topic], id)
		}
	}
	if len(f.topics[topic]) == 0 {
		delete(f.topics, topic)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// ActiveTopics 返回有成员的 topic
func (f *Feed) ActiveTopics(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics, nil
}

type stream struct {
	feed    *Feed
	channel string
	out     chan []byte
	notify  chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	err    error
	closed bool
}

func newStream(f *Feed, channel string) *stream {
	s := &stream{
		feed:    f,
		channel: channel,
		out:     make(chan []byte),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *stream) Messages() <-chan []byte { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.feed.removeStream(s)
	s.terminate(nil)
	return nil
}

// terminate 结束流；err 为 nil 表示主动关闭，未投递的消息丢弃
func (s *stream) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// deliver 入队，不阻塞发布者
func (s *stream) deliver(msg []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump 按入队顺序把消息送到 out，流结束时关闭 out
func (s *stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			continue
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
