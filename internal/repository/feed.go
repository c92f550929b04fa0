package repository

import (
	"context"
	"errors"
	"time"
)

// ErrFeedClosed 表示变更流已被关闭
var ErrFeedClosed = errors.New("feed: closed")

// FeedMember presence 通道中的一个成员，Meta 为调用方编码后的元数据。
type FeedMember struct {
	ID   string
	Meta []byte
}

// FeedStream 一个已确认生效的订阅。
// Messages 在连接断开或 Close 后关闭；关闭后 Err 返回断开原因，主动 Close 时返回 nil。
type FeedStream interface {
	Messages() <-chan []byte
	Err() error
	Close() error
}

// ChangeFeed 定义了变更通知与 presence 原语，通常由 Redis 实现。
// 投递语义为至少一次，同一 channel 内保持发布顺序。
type ChangeFeed interface {
	// Publish 向 channel 发布一条消息。
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe 订阅 channel，返回时订阅已生效。
	Subscribe(ctx context.Context, channel string) (FeedStream, error)

	// Track 在 topic 中登记或刷新成员，ttl 内未刷新视为离线。
	// joined 表示成员此前不在线。
	Track(ctx context.Context, topic, member string, meta []byte, ttl time.Duration) (joined bool, err error)

	// Untrack 移除成员，removed 表示成员此前在线。
	Untrack(ctx context.Context, topic, member string) (removed bool, err error)

	// Members 返回 topic 中未过期的成员。
	Members(ctx context.Context, topic string) ([]FeedMember, error)

	// Sweep 清除 topic 中已过期的成员并返回它们。
	Sweep(ctx context.Context, topic string) ([]FeedMember, error)

	// ActiveTopics 返回当前仍有成员登记的 topic。
	ActiveTopics(ctx context.Context) ([]string, error)
}
