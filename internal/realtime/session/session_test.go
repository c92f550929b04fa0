package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	memstore "github.com/chriscod3/code-collab/internal/infra/persistence/memory"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/presence"
	"github.com/chriscod3/code-collab/internal/realtime/replicator"
	"github.com/chriscod3/code-collab/internal/realtime/session"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/service"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingScheduler struct {
	mu    sync.Mutex
	rooms []uint
}

func (r *recordingScheduler) ScheduleSnapshot(ctx context.Context, roomID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, roomID)
	return nil
}

func (r *recordingScheduler) scheduled() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.rooms...)
}

type fixedCodes struct{ code string }

func (f fixedCodes) Generate() (string, error) { return f.code, nil }

type harness struct {
	feed      *memfeed.Feed
	store     *memstore.Store
	rooms     *service.RoomService
	scheduler *recordingScheduler
	opener    *session.Opener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logrus.SetLevel(logrus.WarnLevel)
	feed := memfeed.New()
	store := memstore.New()
	publisher := transport.NewPublisher(feed)
	docs := service.NewDocumentService(store, publisher)
	chats := service.NewChatService(store, publisher)
	rooms := service.NewRoomService(store, docs, fixedCodes{code: "ROOM42"})
	scheduler := &recordingScheduler{}
	opener := session.NewOpener(rooms, docs, chats, feed, scheduler, session.Options{
		Transport: transport.Options{
			Backoff:     transport.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
			PresenceTTL: 30 * time.Second,
		},
		ReadyTimeout: time.Second,
	})
	return &harness{feed: feed, store: store, rooms: rooms, scheduler: scheduler, opener: opener}
}

func (h *harness) open(t *testing.T, code, id, name string) *session.Session {
	t.Helper()
	s, err := h.opener.OpenRoom(context.Background(), code, session.Participant{ID: id, Name: name})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestOpenRoom_UnknownCodeReturnsNotFound(t *testing.T) {
	// Arrange
	h := newHarness(t)

	// Act
	s, err := h.opener.OpenRoom(context.Background(), "NOPE42", session.Participant{ID: "p1", Name: "Ada"})

	// Assert
	assert.Nil(t, s)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenRoom_InitializesMissingDocument(t *testing.T) {
	// Arrange
	h := newHarness(t)
	room := &domain.Room{Code: "EMPTY1"}
	require.NoError(t, h.store.Create(context.Background(), room))

	// Act
	s := h.open(t, "empty1", "p1", "Ada")

	// Assert
	state := s.Document()
	assert.Equal(t, room.ID, state.RoomID)
	assert.Equal(t, domain.DefaultContent, state.Content)
	assert.Equal(t, domain.DefaultLanguage, state.Language)
	assert.Equal(t, presence.StateSynced, s.Roster().State)
}

func TestSession_TwoParticipantsConverge(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	room, _, err := h.rooms.CreateRoom(ctx)
	require.NoError(t, err)
	alice := h.open(t, room.Code, "p1", "Alice")
	bob := h.open(t, room.Code, "p2", "Bob")

	var mu sync.Mutex
	var bobChat []string
	bob.OnChatMessage(func(m domain.ChatMessage) {
		mu.Lock()
		bobChat = append(bobChat, m.AuthorName+":"+m.Body)
		mu.Unlock()
	})

	// Act
	require.NoError(t, alice.Edit(ctx, "print('hi')"))
	require.NoError(t, alice.SetLanguage(ctx, "python"))
	require.NoError(t, alice.SendChat(ctx, "hello"))

	// Assert
	assert.Eventually(t, func() bool {
		st := bob.Document()
		return st.Content == "print('hi')" && st.Language == domain.LanguagePython
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobChat) == 1 && bobChat[0] == "Alice:hello"
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return alice.Roster().OnlineCount() == 2 }, waitFor, tick)

	require.NoError(t, alice.Close(ctx))
	assert.Eventually(t, func() bool {
		r := bob.Roster()
		return r.OnlineCount() == 1 && r.Members[0].ParticipantID == "p2"
	}, waitFor, tick)
}

func TestSession_SetLanguageRejectsUnknownTag(t *testing.T) {
	// Arrange
	h := newHarness(t)
	room, _, err := h.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	s := h.open(t, room.Code, "p1", "Ada")

	// Act
	err = s.SetLanguage(context.Background(), "cobol")

	// Assert
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.DefaultLanguage, s.Document().Language)
}

func TestSession_SaveFlushesAndSchedulesSnapshot(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	room, _, err := h.rooms.CreateRoom(ctx)
	require.NoError(t, err)
	s := h.open(t, room.Code, "p1", "Ada")
	require.NoError(t, s.Edit(ctx, "saved content"))

	// Act
	state, err := s.Save(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "saved content", state.Content)
	assert.Equal(t, []uint{room.ID}, h.scheduler.scheduled())
	doc, err := h.store.FindByRoomID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "saved content", doc.Content)
}

func TestSession_StatusReplayedToLateObserver(t *testing.T) {
	// Arrange
	h := newHarness(t)
	room, _, err := h.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	s := h.open(t, room.Code, "p1", "Ada")

	// Act
	var mu sync.Mutex
	channels := map[string]transport.Status{}
	s.OnStatusChanged(func(ev transport.StatusEvent) {
		mu.Lock()
		channels[ev.Channel] = ev.Status
		mu.Unlock()
	})

	// Assert
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transport.StatusLive, channels[transport.ChangeChannel(transport.KindDocument, room.ID)])
	assert.Equal(t, transport.StatusLive, channels[transport.ChangeChannel(transport.KindChatMessage, room.ID)])
	assert.Equal(t, transport.StatusLive, channels[transport.PresenceChannel(room.Code)])
}

func TestSession_ClosedSessionRejectsOperations(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	room, _, err := h.rooms.CreateRoom(ctx)
	require.NoError(t, err)
	before := testutil.ToFloat64(metrics.ActiveSessions)
	s, err := h.opener.OpenRoom(ctx, room.Code, session.Participant{ID: "p1", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ActiveSessions))

	// Act
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	// Assert
	assert.ErrorIs(t, s.Edit(ctx, "late"), domain.ErrSessionClosed)
	assert.ErrorIs(t, s.SendChat(ctx, "late"), domain.ErrSessionClosed)
	_, err = s.Save(ctx)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveSessions))
	assert.Equal(t, 0, h.feed.SubscriberCount(transport.ChangeChannel(transport.KindDocument, room.ID)))
	assert.Equal(t, 0, h.feed.SubscriberCount(transport.PresenceChannel(room.Code)))
}

func TestOpenRoom_FailureReleasesSubscriptions(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	room, _, err := h.rooms.CreateRoom(ctx)
	require.NoError(t, err)
	before := testutil.ToFloat64(metrics.ActiveSessions)

	// Act: 空的参与者 id 在加入 presence 时被拒绝，此时文档和聊天订阅已经建立
	s, err := h.opener.OpenRoom(ctx, room.Code, session.Participant{ID: "", Name: "Ghost"})

	// Assert
	assert.Nil(t, s)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, h.feed.SubscriberCount(transport.ChangeChannel(transport.KindDocument, room.ID)))
	assert.Equal(t, 0, h.feed.SubscriberCount(transport.ChangeChannel(transport.KindChatMessage, room.ID)))
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveSessions))
}

func TestSession_DocumentObserverSeesRemoteFlag(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	room, _, err := h.rooms.CreateRoom(ctx)
	require.NoError(t, err)
	alice := h.open(t, room.Code, "p1", "Alice")
	bob := h.open(t, room.Code, "p2", "Bob")

	var mu sync.Mutex
	var bobStates []replicator.DocumentState
	bob.OnDocumentChanged(func(st replicator.DocumentState) {
		mu.Lock()
		bobStates = append(bobStates, st)
		mu.Unlock()
	})

	// Act
	require.NoError(t, alice.Edit(ctx, "from alice"))

	// Assert
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := bobStates[len(bobStates)-1]
		return last.Content == "from alice" && last.Remote
	}, waitFor, tick)
}
