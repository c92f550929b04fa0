package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/repository"
)

// CodeGenerator 生成候选房间码，唯一性由 RoomService 检查。
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator 用 crypto/rand 生成大写字母数字房间码
type RandomCodeGenerator struct {
	// Reader 随机源，为 nil 时使用 crypto/rand.Reader
	Reader io.Reader
}

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// 大于等于该值的字节被丢弃，保证每个字符等概率
const codeByteLimit = 256 - 256%len(codeAlphabet)

// Generate 生成一个 domain.RoomCodeLength 长度的房间码
func (g RandomCodeGenerator) Generate() (string, error) {
	r := g.Reader
	if r == nil {
		r = rand.Reader
	}
	code := make([]byte, 0, domain.RoomCodeLength)
	buf := make([]byte, domain.RoomCodeLength)
	for len(code) < domain.RoomCodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, c := range buf {
			if int(c) >= codeByteLimit {
				continue
			}
			code = append(code, codeAlphabet[int(c)%len(codeAlphabet)])
			if len(code) == domain.RoomCodeLength {
				break
			}
		}
	}
	return string(code), nil
}

// RoomService 负责房间管理相关的业务逻辑。
type RoomService struct {
	roomRepo repository.RoomRepository
	docs     *DocumentService
	codes    CodeGenerator
	log      *logrus.Entry
}

// NewRoomService 创建 RoomService 实例。codes 为 nil 时使用 RandomCodeGenerator。
func NewRoomService(roomRepo repository.RoomRepository, docs *DocumentService, codes CodeGenerator) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if docs == nil {
		panic("DocumentService cannot be nil for RoomService")
	}
	if codes == nil {
		codes = RandomCodeGenerator{}
	}
	return &RoomService{
		roomRepo: roomRepo,
		docs:     docs,
		codes:    codes,
		log:      logrus.WithField("component", "room_service"),
	}
}

// CreateRoom 创建一个新房间及其初始文档。
func (s *RoomService) CreateRoom(ctx context.Context) (*domain.Room, *domain.Document, error) {
	const maxAttempts = 10

	var room *domain.Room
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := s.generateUniqueCode(ctx)
		if err != nil {
			return nil, nil, err
		}
		candidate := &domain.Room{Code: code}
		err = s.roomRepo.Create(ctx, candidate)
		if err == nil {
			room = candidate
			break
		}
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// 检查和插入之间被别人占用了，重新生成
			s.log.WithField("room_code", code).Warnf("Room code taken between check and insert, retrying (attempt %d)", attempt)
			continue
		}
		s.log.WithError(err).Error("Failed to save new room to database")
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if room == nil {
		return nil, nil, ErrCodeSpaceExhausted
	}
	logCtx := s.log.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.Code})

	doc, _, err := s.docs.InitializeDocument(ctx, room.ID, domain.DefaultContent, domain.DefaultLanguage)
	if err != nil {
		// 房间已经存在，文档会在第一次进入房间时再初始化
		logCtx.WithError(err).Error("Room created but initial document could not be written")
		return nil, nil, err
	}

	logCtx.Info("Room created successfully")
	return room, doc, nil
}

// JoinRoom 通过房间码查找房间，房间码大小写不敏感。
func (s *RoomService) JoinRoom(ctx context.Context, code string) (*domain.Room, error) {
	room, err := s.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.Code}).Info("Participant joining room")
	return room, nil
}

// FindRoomByCode 根据房间码查找房间
func (s *RoomService) FindRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	code = domain.NormalizeRoomCode(code)
	if !domain.ValidRoomCode(code) {
		return nil, ErrInvalidRoomCode
	}
	room, err := s.roomRepo.FindByCode(ctx, code)
	if err != nil {
		mapped := mapRepoError(err, ErrRoomNotFound)
		if mapped != ErrRoomNotFound {
			s.log.WithError(err).WithField("room_code", code).Error("FindRoomByCode: Repository error")
		}
		return nil, mapped
	}
	return room, nil
}

// FindRoomsByCodes 批量查找房间，不存在的房间码被忽略。
func (s *RoomService) FindRoomsByCodes(ctx context.Context, codes []string) ([]domain.Room, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rooms, err := s.roomRepo.FindByCodes(ctx, codes)
	if err != nil {
		s.log.WithError(err).Error("FindRoomsByCodes: Repository error")
		return nil, mapRepoError(err, ErrRoomNotFound)
	}
	return rooms, nil
}

// generateUniqueCode 生成数据库中还不存在的房间码
func (s *RoomService) generateUniqueCode(ctx context.Context) (string, error) {
	const maxAttempts = 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInternalServer, err)
		}
		if !domain.ValidRoomCode(code) {
			return "", fmt.Errorf("%w: generator produced invalid code %q", ErrInternalServer, code)
		}
		exists, err := s.roomRepo.IsCodeExists(ctx, code)
		if err != nil {
			s.log.WithError(err).WithField("room_code", code).Error("Database error checking room code uniqueness")
			return "", fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
		}
		if !exists {
			s.log.WithField("room_code", code).Debugf("Generated unique room code after %d attempt(s).", attempt)
			return code, nil
		}
		s.log.WithField("room_code", code).Warnf("Generated room code already exists, retrying (attempt %d)...", attempt)
	}
	s.log.Errorf("Failed to generate a unique room code after %d attempts", maxAttempts)
	return "", ErrCodeSpaceExhausted
}
