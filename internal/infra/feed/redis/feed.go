package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/repository"
)

const (
	// 订阅连接空闲多久后发送一次 PING 检测
	healthCheckInterval = 15 * time.Second
	streamBufferSize    = 256
)

// sweepScript 原子地移除过期成员并返回 (id, meta) 对，topic 为空时从活跃集合中移除
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(expired) do
  local meta = redis.call('HGET', KEYS[2], id) or ''
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  table.insert(out, id)
  table.insert(out, meta)
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
end
return out
`)

// RedisFeed 是 ChangeFeed 接口的 Redis 实现。
// 变更通知走 PUBLISH/SUBSCRIBE，presence 用有序集合（score 为过期时间毫秒）加 Hash 存元数据。
type RedisFeed struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// Option 配置 RedisFeed
type Option func(*RedisFeed)

// WithClock 替换计算 presence 过期时间用的时间源
func WithClock(now func() time.Time) Option {
	return func(f *RedisFeed) { f.now = now }
}

// NewRedisFeed 创建 RedisFeed 实例
func NewRedisFeed(client *redis.Client, keyPrefix string, opts ...Option) *RedisFeed {
	if client == nil {
		panic("redis client cannot be nil for RedisFeed")
	}
	if keyPrefix == "" {
		keyPrefix = "cc:" // 默认前缀 "cc:" (code-collab)
	}
	f := &RedisFeed{client: client, keyPrefix: keyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// --- Key Generation Helpers ---
func (f *RedisFeed) channelKey(channel string) string {
	return fmt.Sprintf("%sfeed:%s", f.keyPrefix, channel)
}

func (f *RedisFeed) presenceKey(topic string) string {
	return fmt.Sprintf("%spresence:%s", f.keyPrefix, topic)
}

func (f *RedisFeed) presenceMetaKey(topic string) string {
	return fmt.Sprintf("%spresence:%s:meta", f.keyPrefix, topic)
}

func (f *RedisFeed) topicsKey() string {
	return f.keyPrefix + "presence:topics"
}

// Publish 发布一条变更消息
func (f *RedisFeed) Publish(ctx context.Context, channel string, payload []byte) error {
	key := f.channelKey(channel)
	if err := f.client.Publish(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("redis: failed to publish to %s: %w", key, err)
	}
	return nil
}

// Subscribe 订阅 channel，等待 Redis 确认后返回
func (f *RedisFeed) Subscribe(ctx context.Context, channel string) (repository.FeedStream, error) {
	key := f.channelKey(channel)
	ps := f.client.Subscribe(ctx, key)
	// 第一次 Receive 返回订阅确认，失败说明连接不可用
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to %s: %w", key, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		ps:     ps,
		out:    make(chan []byte, streamBufferSize),
		cancel: cancel,
		log:    logrus.WithFields(logrus.Fields{"component": "redis_feed", "channel": key}),
	}
	go s.run(streamCtx)
	return s, nil
}

// Track 登记或刷新 presence 成员
func (f *RedisFeed) Track(ctx context.Context, topic, member string, meta []byte, ttl time.Duration) (bool, error) {
	key := f.presenceKey(topic)
	now := f.now()
	expiry := now.Add(ttl).UnixMilli()

	pipe := f.client.TxPipeline()
	scoreCmd := pipe.ZScore(ctx, key, member) // MULTI 内按顺序执行，拿到的是写入前的 score
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(expiry), Member: member})
	pipe.HSet(ctx, f.presenceMetaKey(topic), member, meta)
	pipe.SAdd(ctx, f.topicsKey(), topic)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis: failed to track member %s in %s: %w", member, key, err)
	}

	prev, scoreErr := scoreCmd.Result()
	if errors.Is(scoreErr, redis.Nil) {
		return true, nil
	}
	// 之前的登记已经过期，同样视为新加入
	return int64(prev) < now.UnixMilli(), nil
}

// Untrack 移除 presence 成员
func (f *RedisFeed) Untrack(ctx context.Context, topic, member string) (bool, error) {
	key := f.presenceKey(topic)
	pipe := f.client.TxPipeline()
	remCmd := pipe.ZRem(ctx, key, member)
	pipe.HDel(ctx, f.presenceMetaKey(topic), member)
	cardCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: failed to untrack member %s in %s: %w", member, key, err)
	}
	if cardCmd.Val() == 0 {
		if err := f.client.SRem(ctx, f.topicsKey(), topic).Err(); err != nil {
			logrus.WithError(err).WithField("topic", topic).Warn("redis: failed to drop empty presence topic")
		}
	}
	return remCmd.Val() > 0, nil
}

// Members 返回未过期的成员
func (f *RedisFeed) Members(ctx context.Context, topic string) ([]repository.FeedMember, error) {
	key := f.presenceKey(topic)
	ids, err := f.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(f.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list members of %s: %w", key, err)
	}
	if len(ids) == 0 {
		return []repository.FeedMember{}, nil
	}

	metas, err := f.client.HMGet(ctx, f.presenceMetaKey(topic), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load member metadata of %s: %w", key, err)
	}
	members := make([]repository.FeedMember, 0, len(ids))
	for i, id := range ids {
		m := repository.FeedMember{ID: id}
		if i < len(metas) {
			if s, ok := metas[i].(string); ok {
				m.Meta = []byte(s)
			}
		}
		members = append(members, m)
	}
	return members, nil
}

// Sweep 清除已过期的成员
func (f *RedisFeed) Sweep(ctx context.Context, topic string) ([]repository.FeedMember, error) {
	keys := []string{f.presenceKey(topic), f.presenceMetaKey(topic), f.topicsKey()}
	res, err := sweepScript.Run(ctx, f.client, keys, f.now().UnixMilli(), topic).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to sweep presence topic %s: %w", topic, err)
	}
	flat, _ := res.([]interface{})
	expired := make([]repository.FeedMember, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		id, _ := flat[i].(string)
		meta, _ := flat[i+1].(string)
		expired = append(expired, repository.FeedMember{ID: id, Meta: []byte(meta)})
	}
	return expired, nil
}

// ActiveTopics 返回仍有成员登记的 topic
func (f *RedisFeed) ActiveTopics(ctx context.Context) ([]string, error) {
	topics, err := f.client.SMembers(ctx, f.topicsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list presence topics: %w", err)
	}
	return topics, nil
}

// stream 把 *redis.PubSub 适配为 FeedStream。
// go-redis 在连接出错后会在下次 Receive 时静默重连，这里遇到错误直接结束流，由上层重新订阅并感知断线。
type stream struct {
	ps     *redis.PubSub
	out    chan []byte
	cancel context.CancelFunc
	log    *logrus.Entry

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *stream) Messages() <-chan []byte { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.ps.Close()
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) run(ctx context.Context) {
	defer close(s.out)
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, healthCheckInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if pingErr := s.ps.Ping(ctx); pingErr != nil {
					s.log.WithError(pingErr).Warn("redis: pubsub health check failed")
					s.fail(pingErr)
					return
				}
				continue
			}
			s.log.WithError(err).Warn("redis: pubsub receive failed")
			s.fail(err)
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			select {
			case s.out <- []byte(m.Payload):
			case <-ctx.Done():
				return
			}
		case *redis.Subscription, *redis.Pong:
			// 订阅确认和 PONG 不向上层转发
		default:
			s.log.Debugf("redis: unexpected pubsub message %T", msg)
		}
	}
}
