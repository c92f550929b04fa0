package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/tasks"
)

// SnapshotCapturer 生成文档快照，由 service.SnapshotService 实现
type SnapshotCapturer interface {
	CaptureSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, bool, error)
}

// ActiveRooms 查找当前有在线成员的房间
type ActiveRooms interface {
	ActiveRoomCodes(ctx context.Context) ([]string, error)
}

// RoomFinder 根据房间码批量查找房间，由 service.RoomService 实现
type RoomFinder interface {
	FindRoomsByCodes(ctx context.Context, codes []string) ([]domain.Room, error)
}

// 单个房间快照的超时
const snapshotTimeout = 30 * time.Second

func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retryCount, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     retryCount,
		"max_retry": maxRetry,
	})
}

// DocumentSnapshotHandler 处理单个房间的快照任务（保存文档时入队）
type DocumentSnapshotHandler struct {
	snapshots SnapshotCapturer
}

// NewDocumentSnapshotHandler 创建 Handler 实例
func NewDocumentSnapshotHandler(snapshots SnapshotCapturer) *DocumentSnapshotHandler {
	if snapshots == nil {
		panic("SnapshotCapturer cannot be nil for DocumentSnapshotHandler")
	}
	return &DocumentSnapshotHandler{snapshots: snapshots}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *DocumentSnapshotHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	payload, err := tasks.ParseDocumentSnapshotPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Invalid snapshot task payload")
		// 数据错误重试也不会成功
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	snap, created, err := h.snapshots.CaptureSnapshot(ctx, payload.RoomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logCtx.Warn("Room has no document, dropping snapshot task")
			return nil
		}
		return err
	}
	logCtx.WithFields(logrus.Fields{"revision": snap.Revision, "created": created}).Info("Snapshot task completed")
	return nil
}

// PeriodicSnapshotHandler 为所有活跃房间生成快照，内容未变化的房间会被跳过
type PeriodicSnapshotHandler struct {
	active    ActiveRooms
	rooms     RoomFinder
	snapshots SnapshotCapturer
}

// NewPeriodicSnapshotHandler 创建 Handler 实例
func NewPeriodicSnapshotHandler(active ActiveRooms, rooms RoomFinder, snapshots SnapshotCapturer) *PeriodicSnapshotHandler {
	if active == nil || rooms == nil || snapshots == nil {
		panic("dependencies cannot be nil for PeriodicSnapshotHandler")
	}
	return &PeriodicSnapshotHandler{active: active, rooms: rooms, snapshots: snapshots}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *PeriodicSnapshotHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	_, err := h.Run(ctx, logCtx)
	return err
}

// Run 执行一轮快照，返回新生成的快照数量。单个房间失败只记录日志。
func (h *PeriodicSnapshotHandler) Run(ctx context.Context, logCtx *logrus.Entry) (int, error) {
	codes, err := h.active.ActiveRoomCodes(ctx)
	if err != nil {
		return 0, err
	}
	if len(codes) == 0 {
		logCtx.Debug("No active rooms found, skipping periodic snapshot.")
		return 0, nil
	}
	rooms, err := h.rooms.FindRoomsByCodes(ctx, codes)
	if err != nil {
		return 0, err
	}
	logCtx.Infof("Found %d active rooms to snapshot.", len(rooms))

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, failed := 0, 0
	for _, room := range rooms {
		wg.Add(1)
		go func(room domain.Room) {
			defer wg.Done()
			roomCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
			defer cancel()
			_, ok, err := h.snapshots.CaptureSnapshot(roomCtx, room.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed++
				logCtx.WithError(err).WithField("room_id", room.ID).Error("Snapshot failed for room")
			case ok:
				created++
			}
		}(room)
	}
	wg.Wait()

	if failed > 0 {
		// 周期任务本身视为完成，避免单个房间的问题导致所有房间重试
		logCtx.Errorf("Periodic snapshot completed with %d failed rooms.", failed)
	}
	logCtx.WithField("created", created).Info("Periodic snapshot task completed.")
	return created, nil
}

// InlineScheduler 不经过队列，直接在后台生成快照，用于没有 Redis 的单节点模式
type InlineScheduler struct {
	snapshots SnapshotCapturer
	wg        sync.WaitGroup
}

// NewInlineScheduler 创建 InlineScheduler
func NewInlineScheduler(snapshots SnapshotCapturer) *InlineScheduler {
	if snapshots == nil {
		panic("SnapshotCapturer cannot be nil for InlineScheduler")
	}
	return &InlineScheduler{snapshots: snapshots}
}

// ScheduleSnapshot 在后台为房间生成快照
func (s *InlineScheduler) ScheduleSnapshot(ctx context.Context, roomID uint) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if _, _, err := s.snapshots.CaptureSnapshot(snapCtx, roomID); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Inline snapshot failed")
		}
	}()
	return nil
}

// Wait 等待后台快照结束
func (s *InlineScheduler) Wait() {
	s.wg.Wait()
}
