package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
)

// PresenceService 服务端对 presence 原语的只读查询与过期清理。
// 会话内的 presence 登记由 realtime/presence 完成。
type PresenceService struct {
	feed      repository.ChangeFeed
	publisher *transport.Publisher
	log       *logrus.Entry
}

// NewPresenceService 创建 PresenceService 实例。
func NewPresenceService(feed repository.ChangeFeed, publisher *transport.Publisher) *PresenceService {
	if feed == nil {
		panic("ChangeFeed cannot be nil for PresenceService")
	}
	if publisher == nil {
		panic("Publisher cannot be nil for PresenceService")
	}
	return &PresenceService{
		feed:      feed,
		publisher: publisher,
		log:       logrus.WithField("component", "presence_service"),
	}
}

// Roster 返回房间当前在线成员
func (s *PresenceService) Roster(ctx context.Context, roomCode string) ([]domain.PresenceEntry, error) {
	members, err := s.feed.Members(ctx, transport.PresenceTopic(domain.NormalizeRoomCode(roomCode)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return transport.DecodeMembers(members), nil
}

// OnlineCount 返回房间当前在线人数
func (s *PresenceService) OnlineCount(ctx context.Context, roomCode string) (int, error) {
	roster, err := s.Roster(ctx, roomCode)
	if err != nil {
		return 0, err
	}
	return len(roster), nil
}

// ActiveRoomCodes 返回当前有在线成员的房间码
func (s *PresenceService) ActiveRoomCodes(ctx context.Context) ([]string, error) {
	topics, err := s.feed.ActiveTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return topics, nil
}

// SweepExpired 清除心跳超时的成员并为每个成员发布 leave 事件，返回清除的数量。
// 单个房间失败不会中断其他房间的清理。
func (s *PresenceService) SweepExpired(ctx context.Context) (int, error) {
	codes, err := s.ActiveRoomCodes(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var firstErr error
	for _, code := range codes {
		logCtx := s.log.WithField("room_code", code)
		expired, err := s.feed.Sweep(ctx, transport.PresenceTopic(code))
		if err != nil {
			logCtx.WithError(err).Warn("Failed to sweep presence")
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
			}
			continue
		}
		for _, m := range expired {
			ev := transport.PresenceEvent{
				Kind:  transport.PresenceLeave,
				Entry: domain.PresenceEntry{ParticipantID: m.ID},
			}
			if err := s.publisher.PublishPresence(ctx, code, ev); err != nil {
				logCtx.WithError(err).WithField("participant_id", m.ID).Warn("Failed to publish leave for expired participant")
			}
			removed++
		}
		if len(expired) > 0 {
			logCtx.WithField("expired", len(expired)).Info("Removed expired presence entries")
		}
	}
	return removed, firstErr
}
