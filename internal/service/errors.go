package service

import (
	"errors"
	"fmt"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

var (
	ErrRoomNotFound       = fmt.Errorf("room not found: %w", domain.ErrNotFound)
	ErrDocumentNotFound   = fmt.Errorf("document not found: %w", domain.ErrNotFound)
	ErrSnapshotNotFound   = fmt.Errorf("snapshot not found: %w", domain.ErrNotFound)
	ErrInvalidRoomCode    = fmt.Errorf("invalid room code: %w", domain.ErrInvalidInput)
	ErrInvalidTicket      = errors.New("invalid or expired participant ticket")
	ErrCodeSpaceExhausted = errors.New("failed to generate a unique room code")
	ErrInternalServer     = errors.New("internal server error")
)

// mapRepoError 把仓库层的错误映射成领域错误。
// notFound 为记录不存在时返回的业务错误，其余错误都视为持久化失败。
func mapRepoError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
}
