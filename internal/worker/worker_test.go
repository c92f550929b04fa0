package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/service"
	"github.com/chriscod3/code-collab/internal/tasks"
	"github.com/chriscod3/code-collab/internal/worker"
)

type mockCapturer struct {
	mock.Mock
}

func (m *mockCapturer) CaptureSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, bool, error) {
	args := m.Called(ctx, roomID)
	snap, _ := args.Get(0).(*domain.DocumentSnapshot)
	return snap, args.Bool(1), args.Error(2)
}

type staticActive []string

func (s staticActive) ActiveRoomCodes(ctx context.Context) ([]string, error) { return s, nil }

type staticRooms []domain.Room

func (s staticRooms) FindRoomsByCodes(ctx context.Context, codes []string) ([]domain.Room, error) {
	return s, nil
}

func TestDocumentSnapshotHandler_Success(t *testing.T) {
	// Arrange
	capturer := new(mockCapturer)
	capturer.On("CaptureSnapshot", mock.Anything, uint(9)).
		Return(&domain.DocumentSnapshot{ID: 1, RoomID: 9, Revision: 4}, true, nil).Once()
	handler := worker.NewDocumentSnapshotHandler(capturer)
	task, err := tasks.NewDocumentSnapshotTask(9)
	require.NoError(t, err)

	// Act
	err = handler.ProcessTask(context.Background(), task)

	// Assert
	assert.NoError(t, err)
	capturer.AssertExpectations(t)
}

func TestDocumentSnapshotHandler_InvalidPayloadSkipsRetry(t *testing.T) {
	// Arrange
	handler := worker.NewDocumentSnapshotHandler(new(mockCapturer))
	task := asynq.NewTask(tasks.TypeDocumentSnapshot, []byte(`{"room_id":"nope"}`))

	// Act
	err := handler.ProcessTask(context.Background(), task)

	// Assert
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestDocumentSnapshotHandler_MissingDocumentIsDropped(t *testing.T) {
	// Arrange
	capturer := new(mockCapturer)
	capturer.On("CaptureSnapshot", mock.Anything, uint(9)).Return(nil, false, service.ErrDocumentNotFound).Once()
	handler := worker.NewDocumentSnapshotHandler(capturer)
	task, _ := tasks.NewDocumentSnapshotTask(9)

	// Act
	err := handler.ProcessTask(context.Background(), task)

	// Assert
	assert.NoError(t, err)
}

func TestDocumentSnapshotHandler_StoreFailureIsRetried(t *testing.T) {
	// Arrange
	capturer := new(mockCapturer)
	capturer.On("CaptureSnapshot", mock.Anything, uint(9)).Return(nil, false, domain.ErrPersistenceFailure).Once()
	handler := worker.NewDocumentSnapshotHandler(capturer)
	task, _ := tasks.NewDocumentSnapshotTask(9)

	// Act
	err := handler.ProcessTask(context.Background(), task)

	// Assert
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestPeriodicSnapshotHandler_ContinuesAfterRoomFailure(t *testing.T) {
	// Arrange
	capturer := new(mockCapturer)
	capturer.On("CaptureSnapshot", mock.Anything, uint(1)).Return(&domain.DocumentSnapshot{RoomID: 1}, true, nil).Once()
	capturer.On("CaptureSnapshot", mock.Anything, uint(2)).Return(nil, false, errors.New("db down")).Once()
	capturer.On("CaptureSnapshot", mock.Anything, uint(3)).Return(&domain.DocumentSnapshot{RoomID: 3}, false, nil).Once()
	handler := worker.NewPeriodicSnapshotHandler(
		staticActive{"AAAAAA", "BBBBBB", "CCCCCC"},
		staticRooms{{ID: 1, Code: "AAAAAA"}, {ID: 2, Code: "BBBBBB"}, {ID: 3, Code: "CCCCCC"}},
		capturer,
	)

	// Act
	created, err := handler.Run(context.Background(), logrus.NewEntry(logrus.StandardLogger()))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, created, "只有房间 1 生成了新快照")
	capturer.AssertExpectations(t)
}

func TestPresenceSweepHandler_PublishesLeaveForExpired(t *testing.T) {
	// Arrange
	var clockMu sync.Mutex
	now := time.Now()
	feed := memfeed.New(memfeed.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}))
	ctx := context.Background()
	_, err := feed.Track(ctx, transport.PresenceTopic("ROOM01"), "p1", nil, 10*time.Second)
	require.NoError(t, err)
	_, err = feed.Track(ctx, transport.PresenceTopic("ROOM01"), "p2", nil, time.Hour)
	require.NoError(t, err)

	stream, err := feed.Subscribe(ctx, transport.PresenceChannel("ROOM01"))
	require.NoError(t, err)
	defer stream.Close()

	publisher := transport.NewPublisher(feed)
	handler := worker.NewPresenceSweepHandler(service.NewPresenceService(feed, publisher))
	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()

	// Act
	err = handler.ProcessTask(ctx, tasks.NewPresenceSweepTask())

	// Assert
	require.NoError(t, err)
	members, err := feed.Members(ctx, transport.PresenceTopic("ROOM01"))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "p2", members[0].ID)

	select {
	case payload := <-stream.Messages():
		assert.NotEmpty(t, payload, "应为过期成员发布 leave 事件")
	case <-time.After(time.Second):
		t.Fatal("no leave event published")
	}
}

func TestInlineScheduler_RunsCapture(t *testing.T) {
	// Arrange
	capturer := new(mockCapturer)
	capturer.On("CaptureSnapshot", mock.Anything, uint(5)).Return(&domain.DocumentSnapshot{RoomID: 5}, true, nil).Once()
	scheduler := worker.NewInlineScheduler(capturer)

	// Act
	err := scheduler.ScheduleSnapshot(context.Background(), 5)
	scheduler.Wait()

	// Assert
	assert.NoError(t, err)
	capturer.AssertExpectations(t)
}
