package presence_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	"github.com/chriscod3/code-collab/internal/realtime/presence"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
)

const (
	roomCode = "ABC123"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

func newAggregator(t *testing.T, feed *memfeed.Feed) *presence.Aggregator {
	t.Helper()
	logrus.SetLevel(logrus.WarnLevel)
	adapter := transport.NewAdapter(feed, transport.Options{
		Backoff:     transport.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		PresenceTTL: 30 * time.Second,
	})
	agg := presence.New(adapter, roomCode, presence.Options{})
	t.Cleanup(func() {
		_ = agg.Close(context.Background())
		_ = adapter.Close()
	})
	return agg
}

func entry(id, name string) domain.PresenceEntry {
	return domain.PresenceEntry{ParticipantID: id, Name: name, JoinedAt: time.Now().UTC()}
}

func ids(r presence.Roster) []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, m.ParticipantID)
	}
	return out
}

func TestAggregator_JoinJoinLeave(t *testing.T) {
	// Arrange
	feed := memfeed.New()
	agg1 := newAggregator(t, feed)
	agg2 := newAggregator(t, feed)
	ctx := context.Background()

	// Act
	require.NoError(t, agg1.Join(ctx, entry("p1", "Ada")))
	require.NoError(t, agg2.Join(ctx, entry("p2", "Linus")))
	require.Eventually(t, func() bool { return agg1.OnlineCount() == 2 && agg2.OnlineCount() == 2 }, waitFor, tick)

	require.NoError(t, agg1.Leave(ctx))

	// Assert
	require.Eventually(t, func() bool { return agg2.OnlineCount() == 1 }, waitFor, tick)
	roster := agg2.Roster()
	assert.Equal(t, []string{"p2"}, ids(roster))
	assert.Equal(t, presence.StateSynced, roster.State)
	assert.Equal(t, "Linus", roster.Members[0].Name)

	assert.Equal(t, presence.StateDisconnected, agg1.State())
	assert.Zero(t, agg1.OnlineCount())
}

func TestAggregator_StateTransitions(t *testing.T) {
	// Arrange
	feed := memfeed.New()
	agg := newAggregator(t, feed)
	var mu sync.Mutex
	var states []presence.State
	agg.Subscribe(func(r presence.Roster) {
		mu.Lock()
		states = append(states, r.State)
		mu.Unlock()
	})
	assert.Equal(t, presence.StateDisconnected, agg.State())

	// Act
	require.NoError(t, agg.Join(context.Background(), entry("p1", "Ada")))
	require.NoError(t, agg.Leave(context.Background()))

	// Assert
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, presence.StateDisconnected, states[0], "注册时回放当前状态")
	assert.Equal(t, presence.StateJoining, states[1])
	assert.Contains(t, states, presence.StateSynced)
	assert.Equal(t, presence.StateDisconnected, states[len(states)-1])
}

func TestAggregator_JoinRejectsEmptyParticipant(t *testing.T) {
	// Arrange
	agg := newAggregator(t, memfeed.New())

	// Act
	err := agg.Join(context.Background(), domain.PresenceEntry{Name: "nobody"})

	// Assert
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, presence.StateDisconnected, agg.State())
}

func TestAggregator_JoinFailsWhenTransportUnavailable(t *testing.T) {
	// Arrange
	feed := memfeed.New()
	agg := newAggregator(t, feed)
	feed.SetUnavailable(true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Act
	err := agg.Join(ctx, entry("p1", "Ada"))

	// Assert
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, presence.StateDisconnected, agg.State())
}

func TestAggregator_RejoinsAfterReconnect(t *testing.T) {
	// Arrange: 可控时钟，让自己的登记过期被清除
	var clockMu sync.Mutex
	now := time.Now()
	feed := memfeed.New(memfeed.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}))
	agg := newAggregator(t, feed)
	require.NoError(t, agg.Join(context.Background(), entry("p1", "Ada")))
	require.Eventually(t, func() bool { return agg.OnlineCount() == 1 }, waitFor, tick)

	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	expired, err := feed.Sweep(context.Background(), transport.PresenceTopic(roomCode))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// Act
	feed.DropSubscribers()

	// Assert: 重连后重新登记，名单恢复
	require.Eventually(t, func() bool {
		members, err := feed.Members(context.Background(), transport.PresenceTopic(roomCode))
		return err == nil && len(members) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		r := agg.Roster()
		return r.State == presence.StateSynced && len(r.Members) == 1
	}, waitFor, tick)
}

// flakyFeed 订阅失败，但 presence 登记和成员查询正常
type flakyFeed struct {
	*memfeed.Feed
	blocked atomic.Bool
}

func (f *flakyFeed) Subscribe(ctx context.Context, channel string) (repository.FeedStream, error) {
	if f.blocked.Load() {
		return nil, errors.New("subscribe refused")
	}
	return f.Feed.Subscribe(ctx, channel)
}

func TestAggregator_StaysJoiningUntilSubscriptionLive(t *testing.T) {
	// Arrange
	logrus.SetLevel(logrus.ErrorLevel)
	feed := &flakyFeed{Feed: memfeed.New()}
	feed.blocked.Store(true)
	adapter := transport.NewAdapter(feed, transport.Options{
		Backoff:       transport.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		DegradedAfter: 1000,
		PresenceTTL:   30 * time.Second,
	})
	agg := presence.New(adapter, roomCode, presence.Options{ReadyTimeout: 30 * time.Millisecond})
	t.Cleanup(func() {
		_ = agg.Close(context.Background())
		_ = adapter.Close()
	})

	// Act
	require.NoError(t, agg.Join(context.Background(), entry("p1", "Ada")))
	joining := agg.Roster()
	feed.blocked.Store(false)

	// Assert
	assert.Equal(t, presence.StateJoining, joining.State)
	assert.Equal(t, []string{"p1"}, ids(joining))
	require.Eventually(t, func() bool {
		return agg.State() == presence.StateSynced
	}, waitFor, tick)
	assert.Equal(t, []string{"p1"}, ids(agg.Roster()))
}
