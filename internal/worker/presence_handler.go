package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

// PresenceSweeper 清除心跳超时的在线登记，由 service.PresenceService 实现
type PresenceSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// PresenceSweepHandler 处理周期性的在线登记清理任务
type PresenceSweepHandler struct {
	sweeper PresenceSweeper
}

// NewPresenceSweepHandler 创建 Handler 实例
func NewPresenceSweepHandler(sweeper PresenceSweeper) *PresenceSweepHandler {
	if sweeper == nil {
		panic("PresenceSweeper cannot be nil for PresenceSweepHandler")
	}
	return &PresenceSweepHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *PresenceSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	removed, err := h.sweeper.SweepExpired(ctx)
	if err != nil {
		logCtx.WithError(err).Warn("Presence sweep completed with errors")
		return err
	}
	if removed > 0 {
		logCtx.WithField("removed", removed).Info("Presence sweep removed expired participants")
	}
	return nil
}
