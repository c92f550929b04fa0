package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/chriscod3/code-collab/internal/domain"
)

// 参与者名字的最大长度
const maxParticipantName = 64

// ParticipantClaims 参与者票据中携带的信息
type ParticipantClaims struct {
	ParticipantID string `json:"participant_id"`
	RoomCode      string `json:"room_code"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// Ticket 加入房间后签发的票据
type Ticket struct {
	Token         string    `json:"ticket"`
	ParticipantID string    `json:"participant_id"`
	RoomCode      string    `json:"room_code"`
	Name          string    `json:"name"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TicketService 签发与校验参与者票据。
// 参与者是匿名的，票据只绑定房间码、随机参与者 ID 和自报的名字。
type TicketService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewTicketService 创建 TicketService 实例。
// expiryHours <= 0 时默认 24 小时。
func NewTicketService(secret string, expiryHours int) (*TicketService, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &TicketService{
		secret: []byte(secret),
		expiry: time.Duration(expiryHours) * time.Hour,
		now:    time.Now,
	}, nil
}

// Issue 为加入 roomCode 的参与者签发票据，name 为空时由调用方展示为匿名。
func (s *TicketService) Issue(roomCode, name string) (*Ticket, error) {
	roomCode = domain.NormalizeRoomCode(roomCode)
	if !domain.ValidRoomCode(roomCode) {
		return nil, ErrInvalidRoomCode
	}
	name = strings.TrimSpace(name)
	if len([]rune(name)) > maxParticipantName {
		return nil, fmt.Errorf("%w: name longer than %d characters", domain.ErrInvalidInput, maxParticipantName)
	}

	now := s.now()
	claims := ParticipantClaims{
		ParticipantID: uuid.NewString(),
		RoomCode:      roomCode,
		Name:          name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign ticket: %w", err)
	}
	return &Ticket{
		Token:         token,
		ParticipantID: claims.ParticipantID,
		RoomCode:      roomCode,
		Name:          name,
		ExpiresAt:     claims.ExpiresAt.Time,
	}, nil
}

// Parse 校验票据签名与有效期
func (s *TicketService) Parse(token string) (*ParticipantClaims, error) {
	claims := &ParticipantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if _, err := uuid.Parse(claims.ParticipantID); err != nil || !domain.ValidRoomCode(claims.RoomCode) {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}
