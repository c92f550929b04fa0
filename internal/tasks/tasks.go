package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	TypeDocumentSnapshot = "document:snapshot" // 单个房间的文档快照
	TypePeriodicSnapshot = "snapshot:periodic" // 为所有活跃房间生成快照
	TypePresenceSweep    = "presence:sweep"    // 清除心跳超时的在线登记
)

// 同一房间的快照任务在这个时间窗口内只入队一次
const snapshotUniqueWindow = 30 * time.Second

// DocumentSnapshotPayload 文档快照任务的数据
type DocumentSnapshotPayload struct {
	RoomID uint `json:"room_id"`
}

// NewDocumentSnapshotTask 创建单个房间的快照任务
func NewDocumentSnapshotTask(roomID uint) (*asynq.Task, error) {
	if roomID == 0 {
		return nil, fmt.Errorf("snapshot task requires a room id")
	}
	payload, err := json.Marshal(DocumentSnapshotPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDocumentSnapshot, payload), nil
}

// ParseDocumentSnapshotPayload 解析快照任务数据
func ParseDocumentSnapshotPayload(t *asynq.Task) (DocumentSnapshotPayload, error) {
	var p DocumentSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal %s payload: %w", t.Type(), err)
	}
	if p.RoomID == 0 {
		return p, fmt.Errorf("%s payload has no room id", t.Type())
	}
	return p, nil
}

// NewPeriodicSnapshotTask 周期快照任务，由 Scheduler 定时入队
func NewPeriodicSnapshotTask() *asynq.Task {
	return asynq.NewTask(TypePeriodicSnapshot, nil)
}

// NewPresenceSweepTask 在线登记清理任务，由 Scheduler 定时入队
func NewPresenceSweepTask() *asynq.Task {
	return asynq.NewTask(TypePresenceSweep, nil)
}

// Enqueuer 把快照请求放进 asynq 队列，保存文档时使用
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer 创建 Enqueuer
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	if client == nil {
		panic("asynq client cannot be nil for Enqueuer")
	}
	return &Enqueuer{client: client}
}

// ScheduleSnapshot 为房间入队一次快照，窗口内重复的请求被忽略
func (e *Enqueuer) ScheduleSnapshot(ctx context.Context, roomID uint) error {
	task, err := NewDocumentSnapshotTask(roomID)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue("default"),
		asynq.MaxRetry(3),
		asynq.Unique(snapshotUniqueWindow),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("failed to enqueue snapshot for room %d: %w", roomID, err)
	}
	return nil
}
