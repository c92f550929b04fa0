package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// SnapshotService 负责文档历史快照的生成与读取。
// 快照内容用 zstd 压缩，摘要为 blake3(language + "\x00" + content)，与最新快照摘要相同时跳过。
type SnapshotService struct {
	snapshotRepo repository.SnapshotRepository
	docRepo      repository.DocumentRepository
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
	log          *logrus.Entry
}

// NewSnapshotService 创建 SnapshotService 实例。
func NewSnapshotService(snapshotRepo repository.SnapshotRepository, docRepo repository.DocumentRepository) (*SnapshotService, error) {
	if snapshotRepo == nil {
		panic("SnapshotRepository cannot be nil for SnapshotService")
	}
	if docRepo == nil {
		panic("DocumentRepository cannot be nil for SnapshotService")
	}
	// EncodeAll / DecodeAll 可以并发调用
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &SnapshotService{
		snapshotRepo: snapshotRepo,
		docRepo:      docRepo,
		encoder:      encoder,
		decoder:      decoder,
		log:          logrus.WithField("component", "snapshot_service"),
	}, nil
}

// CaptureSnapshot 为房间当前的文档生成快照。
// 文档与最新快照相同时不写入，返回最新快照且 created 为 false。
func (s *SnapshotService) CaptureSnapshot(ctx context.Context, roomID uint) (*domain.DocumentSnapshot, bool, error) {
	logCtx := s.log.WithField("room_id", roomID)

	doc, err := s.docRepo.FindByRoomID(ctx, roomID)
	if err != nil {
		return nil, false, mapRepoError(err, ErrDocumentNotFound)
	}
	digest := DocumentDigest(doc.Content, doc.Language)

	latest, err := s.snapshotRepo.GetLatestSnapshot(ctx, roomID)
	switch {
	case err == nil && latest.Digest == digest:
		logCtx.WithField("revision", doc.Revision).Debug("Document unchanged since last snapshot, skipping")
		return latest, false, nil
	case err != nil && !errors.Is(err, repository.ErrSnapshotNotFound):
		logCtx.WithError(err).Error("Snapshot: Failed to load latest snapshot")
		return nil, false, mapRepoError(err, ErrSnapshotNotFound)
	}

	snapshot := &domain.DocumentSnapshot{
		RoomID:    roomID,
		Revision:  doc.Revision,
		Language:  doc.Language,
		Digest:    digest,
		Content:   s.encoder.EncodeAll([]byte(doc.Content), nil),
		Size:      len(doc.Content),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.snapshotRepo.SaveSnapshot(ctx, snapshot); err != nil {
		logCtx.WithError(err).Error("Snapshot: Failed to save snapshot to database repository")
		return nil, false, mapRepoError(err, ErrSnapshotNotFound)
	}

	logCtx.WithFields(logrus.Fields{
		"revision":   snapshot.Revision,
		"size":       snapshot.Size,
		"compressed": len(snapshot.Content),
	}).Info("Snapshot generated successfully.")
	return snapshot, true, nil
}

// ListSnapshots 列出房间的快照元数据，最新的在前
func (s *SnapshotService) ListSnapshots(ctx context.Context, roomID uint, limit int) ([]domain.DocumentSnapshot, error) {
	snapshots, err := s.snapshotRepo.ListSnapshots(ctx, roomID, limit)
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("Failed to list snapshots")
		return nil, mapRepoError(err, ErrSnapshotNotFound)
	}
	return snapshots, nil
}

// LoadSnapshot 读取快照并解压内容
func (s *SnapshotService) LoadSnapshot(ctx context.Context, roomID, snapshotID uint) (*domain.DocumentSnapshot, string, error) {
	snapshot, err := s.snapshotRepo.FindSnapshot(ctx, roomID, snapshotID)
	if err != nil {
		return nil, "", mapRepoError(err, ErrSnapshotNotFound)
	}
	content, err := s.decoder.DecodeAll(snapshot.Content, nil)
	if err != nil {
		s.log.WithError(err).WithField("snapshot_id", snapshotID).Error("Snapshot content is corrupted")
		return nil, "", fmt.Errorf("%w: decode snapshot %d: %v", ErrInternalServer, snapshotID, err)
	}
	return snapshot, string(content), nil
}

// DocumentDigest 计算文档内容与语言的摘要
func DocumentDigest(content string, lang domain.Language) string {
	h := blake3.New()
	_, _ = h.Write([]byte(lang))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
