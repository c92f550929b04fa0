package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/repository"
)

// Subscription 一个订阅登记。
// 内部一个 goroutine 负责订阅、读取和断线重订阅，所有回调都在这个 goroutine 上串行执行。
type Subscription struct {
	channel       string
	feed          repository.ChangeFeed
	onMessage     func([]byte)
	onStatus      func(StatusEvent)
	backoff       Backoff
	degradedAfter int
	log           *logrus.Entry

	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	release   func(*Subscription)
	closeOnce sync.Once

	mu     sync.Mutex
	status Status
}

func newSubscription(channel string, feed repository.ChangeFeed, opts Options, onMessage func([]byte), onStatus func(StatusEvent), release func(*Subscription)) *Subscription {
	return &Subscription{
		channel:       channel,
		feed:          feed,
		onMessage:     onMessage,
		onStatus:      onStatus,
		backoff:       opts.Backoff,
		degradedAfter: opts.DegradedAfter,
		log:           opts.Logger.WithField("channel", channel),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		release:       release,
		status:        StatusDisconnected,
	}
}

// Channel 订阅的 feed channel
func (s *Subscription) Channel() string { return s.channel }

// Ready 第一次订阅生效后关闭
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// WaitReady 等待订阅生效，超时返回 ErrTransportUnavailable（订阅仍在后台重试）
func (s *Subscription) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: subscription to %s closed", domain.ErrTransportUnavailable, s.channel)
	case <-ctx.Done():
		return fmt.Errorf("%w: subscription to %s not live: %v", domain.ErrTransportUnavailable, s.channel, ctx.Err())
	}
}

// Status 当前状态
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close 停止订阅并等待读取 goroutine 退出，返回后不会再有回调。
// 不能在本订阅自己的回调里调用。
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		if s.release != nil {
			s.release(s)
		}
	})
	return nil
}

func (s *Subscription) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Subscription) emit(status Status, err error, attempt int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	metrics.TransportStatusTotal.WithLabelValues(status.String()).Inc()
	if s.onStatus != nil {
		s.onStatus(StatusEvent{Channel: s.channel, Status: status, Err: err, Attempt: attempt})
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	failures := 0
	wasLive := false
	for {
		stream, err := s.feed.Subscribe(ctx, s.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.log.WithError(err).WithField("attempt", failures).Warn("Subscribe failed, retrying")
			if failures == s.degradedAfter {
				s.emit(StatusDegraded, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err), failures)
			}
			if !sleepCtx(ctx, s.backoff.Delay(failures)) {
				return
			}
			continue
		}

		if wasLive {
			s.log.WithField("attempts", failures).Info("Subscription re-established")
			s.emit(StatusReconnected, nil, failures)
		} else {
			s.emit(StatusLive, nil, failures)
			s.readyOnce.Do(func() { close(s.ready) })
		}
		wasLive = true
		failures = 0

		err = s.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("Subscription dropped")
		s.emit(StatusDisconnected, err, 0)
		failures = 1
		if !sleepCtx(ctx, s.backoff.Delay(failures)) {
			return
		}
	}
}

// consume 读取直到流结束，ctx 取消时返回 nil
func (s *Subscription) consume(ctx context.Context, stream repository.FeedStream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-stream.Messages():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return repository.ErrFeedClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			s.onMessage(msg)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
