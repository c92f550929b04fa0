package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
)

// DocumentService 文档的持久化入口：先写库，成功后把变更发布到 feed。
// 发布失败不影响写入结果，其他副本会在重连后重新拉取文档。
type DocumentService struct {
	docRepo   repository.DocumentRepository
	publisher *transport.Publisher
	log       *logrus.Entry
}

// NewDocumentService 创建 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, publisher *transport.Publisher) *DocumentService {
	if docRepo == nil {
		panic("DocumentRepository cannot be nil for DocumentService")
	}
	if publisher == nil {
		panic("Publisher cannot be nil for DocumentService")
	}
	return &DocumentService{
		docRepo:   docRepo,
		publisher: publisher,
		log:       logrus.WithField("component", "document_service"),
	}
}

// GetDocument 获取房间的文档，房间还没有文档时返回 ErrDocumentNotFound。
func (s *DocumentService) GetDocument(ctx context.Context, roomID uint) (*domain.Document, error) {
	doc, err := s.docRepo.FindByRoomID(ctx, roomID)
	if err != nil {
		mapped := mapRepoError(err, ErrDocumentNotFound)
		if mapped != ErrDocumentNotFound {
			s.log.WithError(err).WithField("room_id", roomID).Error("Failed to load document")
		}
		return nil, mapped
	}
	return doc, nil
}

// InitializeDocument 在房间还没有文档时创建文档。
// 并发初始化时只有一个插入成功，其余调用方拿到获胜者写入的文档，created 为 false。
func (s *DocumentService) InitializeDocument(ctx context.Context, roomID uint, content string, lang domain.Language) (*domain.Document, bool, error) {
	logCtx := s.log.WithField("room_id", roomID)
	if _, err := domain.ParseLanguage(string(lang)); err != nil {
		return nil, false, err
	}

	doc, created, err := s.docRepo.CreateIfAbsent(ctx, &domain.Document{
		RoomID:   roomID,
		Content:  content,
		Language: lang,
	})
	if err != nil {
		logCtx.WithError(err).Error("Failed to initialize document")
		metrics.PersistFailuresTotal.WithLabelValues("document").Inc()
		return nil, false, mapRepoError(err, ErrDocumentNotFound)
	}
	if !created {
		logCtx.WithField("document_id", doc.ID).Debug("Document already initialized, adopting existing row")
		return doc, false, nil
	}

	fields := []domain.DocumentField{domain.FieldContent, domain.FieldLanguage}
	if err := s.publisher.PublishDocument(ctx, transport.OpInsert, *doc, "", 0, fields); err != nil {
		logCtx.WithError(err).Warn("Document created but change event could not be published")
	}
	logCtx.WithField("document_id", doc.ID).Info("Document initialized")
	return doc, true, nil
}

// UpdateDocument 按 patch 写入字段，revision 由存储递增。
// 写入成功后发布 UPDATE 事件，事件携带 patch 的 Origin/Seq/字段列表。
func (s *DocumentService) UpdateDocument(ctx context.Context, patch domain.DocumentPatch) (*domain.Document, error) {
	logCtx := s.log.WithFields(logrus.Fields{"document_id": patch.DocumentID, "origin": patch.Origin, "seq": patch.Seq})

	fields := patch.Fields()
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty document patch", domain.ErrInvalidInput)
	}
	if patch.Language != nil {
		if _, err := domain.ParseLanguage(string(*patch.Language)); err != nil {
			return nil, err
		}
	}

	doc, err := s.docRepo.Update(ctx, patch)
	if err != nil {
		mapped := mapRepoError(err, ErrDocumentNotFound)
		if mapped != ErrDocumentNotFound {
			logCtx.WithError(err).Error("Failed to persist document update")
			metrics.PersistFailuresTotal.WithLabelValues("document").Inc()
		}
		return nil, mapped
	}

	if err := s.publisher.PublishDocument(ctx, transport.OpUpdate, *doc, patch.Origin, patch.Seq, fields); err != nil {
		logCtx.WithError(err).Warn("Document updated but change event could not be published")
	}
	logCtx.WithField("revision", doc.Revision).Debug("Document updated")
	return doc, nil
}
