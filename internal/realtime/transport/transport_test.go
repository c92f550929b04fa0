package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastOptions() transport.Options {
	return transport.Options{
		Backoff:       transport.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		DegradedAfter: 2,
		PresenceTTL:   30 * time.Second,
	}
}

type statusLog struct {
	mu     sync.Mutex
	events []transport.Status
}

func (l *statusLog) record(ev transport.StatusEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev.Status)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []transport.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Status(nil), l.events...)
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := transport.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(50))
}

func TestBackoff_JitterOnlyShortens(t *testing.T) {
	b := transport.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.LessOrEqual(t, d, 400*time.Millisecond)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestDecodeChange_DocumentRoundTrip(t *testing.T) {
	// Arrange
	updated := time.Date(2024, 5, 1, 8, 0, 0, 123456789, time.UTC)
	doc := domain.Document{ID: 3, RoomID: 7, Content: "x", Language: domain.LanguagePython, Revision: 9, UpdatedBy: "r1", UpdatedAt: updated}
	payload, err := transport.EncodeDocumentChange(transport.OpUpdate, doc, "r1", 4, []domain.DocumentField{domain.FieldLanguage})
	require.NoError(t, err)

	// Act
	change, err := transport.DecodeChange(payload)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, change.Document)
	assert.Nil(t, change.Message)
	assert.Equal(t, transport.KindDocument, change.Kind)
	assert.Equal(t, doc, change.Document.Document)
	assert.True(t, change.Document.Has(domain.FieldLanguage))
	assert.False(t, change.Document.Has(domain.FieldContent))
}

func TestDecodeChange_Rejects(t *testing.T) {
	badLang, err := transport.EncodeDocumentChange(transport.OpInsert,
		domain.Document{ID: 1, RoomID: 1, Language: domain.Language("cobol")}, "", 0, nil)
	require.NoError(t, err)
	noID, err := transport.EncodeMessageInsert(domain.ChatMessage{RoomID: 1, Body: "hi"})
	require.NoError(t, err)
	unknownOp, err := cbor.Marshal(map[string]interface{}{"kind": "document", "op": "DELETE", "room_id": 1})
	require.NoError(t, err)

	testCases := []struct {
		name    string
		payload []byte
	}{
		{name: "garbage", payload: []byte{0xff, 0x00, 0x13}},
		{name: "unsupported language", payload: badLang},
		{name: "message without id", payload: noID},
		{name: "unknown op", payload: unknownOp},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := transport.DecodeChange(tc.payload)
			assert.ErrorIs(t, err, transport.ErrMalformedChange)
		})
	}
}

func TestAdapter_DropsStaleRevisionsAndForeignRooms(t *testing.T) {
	// Arrange
	logrus.SetLevel(logrus.ErrorLevel)
	feed := memfeed.New()
	adapter := transport.NewAdapter(feed, fastOptions())
	defer adapter.Close()
	publisher := transport.NewPublisher(feed)
	ctx := context.Background()

	var mu sync.Mutex
	var revisions []uint64
	sub, err := adapter.SubscribeToEntityChanges(ctx, transport.KindDocument, 1, func(c transport.Change) {
		mu.Lock()
		revisions = append(revisions, c.Document.Document.Revision)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sub.WaitReady(ctx))

	// Act
	for _, rev := range []uint64{2, 1, 2, 3} {
		doc := domain.Document{ID: 10, RoomID: 1, Language: domain.LanguageJavaScript, Revision: rev}
		require.NoError(t, publisher.PublishDocument(ctx, transport.OpUpdate, doc, "", 0, nil))
	}
	// 同一 channel 上混入别的房间的事件
	foreign, err := transport.EncodeDocumentChange(transport.OpUpdate,
		domain.Document{ID: 11, RoomID: 2, Language: domain.LanguageJavaScript, Revision: 50}, "", 0, nil)
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, transport.ChangeChannel(transport.KindDocument, 1), foreign))
	doc := domain.Document{ID: 10, RoomID: 1, Language: domain.LanguageJavaScript, Revision: 4}
	require.NoError(t, publisher.PublishDocument(ctx, transport.OpUpdate, doc, "", 0, nil))

	// Assert
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(revisions) == 3
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []uint64{2, 3, 4}, revisions)
	mu.Unlock()
}

func TestSubscription_ReportsDisconnectAndReconnect(t *testing.T) {
	// Arrange
	logrus.SetLevel(logrus.ErrorLevel)
	feed := memfeed.New()
	adapter := transport.NewAdapter(feed, fastOptions())
	defer adapter.Close()
	ctx := context.Background()
	statuses := &statusLog{}
	sub, err := adapter.SubscribeToEntityChanges(ctx, transport.KindChatMessage, 1, func(transport.Change) {}, statuses.record)
	require.NoError(t, err)
	require.NoError(t, sub.WaitReady(ctx))

	// Act
	feed.DropSubscribers()

	// Assert
	assert.Eventually(t, func() bool {
		return sub.Status() == transport.StatusReconnected
	}, waitFor, tick)
	assert.Equal(t, []transport.Status{transport.StatusLive, transport.StatusDisconnected, transport.StatusReconnected}, statuses.snapshot())
	assert.Equal(t, 1, feed.SubscriberCount(transport.ChangeChannel(transport.KindChatMessage, 1)))
}

func TestSubscription_DegradesThenRecovers(t *testing.T) {
	// Arrange
	logrus.SetLevel(logrus.ErrorLevel)
	feed := memfeed.New()
	feed.SetUnavailable(true)
	adapter := transport.NewAdapter(feed, fastOptions())
	defer adapter.Close()
	ctx := context.Background()
	statuses := &statusLog{}

	// Act
	sub, err := adapter.SubscribeToEntityChanges(ctx, transport.KindDocument, 1, func(transport.Change) {}, statuses.record)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sub.Status() == transport.StatusDegraded }, waitFor, tick)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	notReady := sub.WaitReady(waitCtx)
	cancel()
	feed.SetUnavailable(false)

	// Assert
	assert.ErrorIs(t, notReady, domain.ErrTransportUnavailable)
	require.NoError(t, sub.WaitReady(ctx))
	assert.Equal(t, []transport.Status{transport.StatusDegraded, transport.StatusLive}, statuses.snapshot())
}

func TestAdapter_PresenceJoinAndLeave(t *testing.T) {
	// Arrange
	logrus.SetLevel(logrus.ErrorLevel)
	feed := memfeed.New()
	observer := transport.NewAdapter(feed, fastOptions())
	defer observer.Close()
	member := transport.NewAdapter(feed, fastOptions())
	defer member.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []transport.PresenceEventKind
	sub, err := observer.SubscribePresence(ctx, "ABC123", func(ev transport.PresenceEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sub.WaitReady(ctx))
	entry := domain.PresenceEntry{ParticipantID: "p1", Name: "Ada", JoinedAt: time.Now().UTC()}

	// Act
	require.NoError(t, member.PublishPresence(ctx, "ABC123", entry))
	require.NoError(t, member.PublishPresence(ctx, "ABC123", entry))
	members, err := observer.Members(ctx, "ABC123")
	require.NoError(t, err)
	require.NoError(t, member.UnpublishPresence(ctx, "ABC123", "p1"))
	require.NoError(t, member.UnpublishPresence(ctx, "ABC123", "p1"))

	// Assert
	require.Len(t, members, 1)
	assert.Equal(t, "Ada", members[0].Name)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []transport.PresenceEventKind{transport.PresenceJoin, transport.PresenceLeave}, kinds)
	mu.Unlock()
}

func TestAdapter_ClosedRejectsNewWork(t *testing.T) {
	// Arrange
	feed := memfeed.New()
	adapter := transport.NewAdapter(feed, fastOptions())
	require.NoError(t, adapter.Close())

	// Act
	_, subErr := adapter.SubscribeToEntityChanges(context.Background(), transport.KindDocument, 1, func(transport.Change) {}, nil)
	pubErr := adapter.PublishPresence(context.Background(), "ABC123", domain.PresenceEntry{ParticipantID: "p1"})

	// Assert
	assert.ErrorIs(t, subErr, domain.ErrSessionClosed)
	assert.ErrorIs(t, pubErr, domain.ErrSessionClosed)
}
