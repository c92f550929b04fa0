package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/service"
)

// 历史接口的默认条数
const (
	defaultMessageLimit  = 200
	defaultSnapshotLimit = 20
)

// RoomHandler 封装了与房间相关的 HTTP 处理逻辑
type RoomHandler struct {
	rooms     *service.RoomService
	docs      *service.DocumentService
	chats     *service.ChatService
	snapshots *service.SnapshotService
	presence  *service.PresenceService
	tickets   *service.TicketService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(rooms *service.RoomService, docs *service.DocumentService, chats *service.ChatService,
	snapshots *service.SnapshotService, presence *service.PresenceService, tickets *service.TicketService) *RoomHandler {
	if rooms == nil || docs == nil || chats == nil || snapshots == nil || presence == nil || tickets == nil {
		panic("services cannot be nil for RoomHandler")
	}
	return &RoomHandler{
		rooms:     rooms,
		docs:      docs,
		chats:     chats,
		snapshots: snapshots,
		presence:  presence,
		tickets:   tickets,
	}
}

// CreateRoomResponse 定义创建房间成功的响应结构体
type CreateRoomResponse struct {
	Message  string `json:"message"`
	RoomID   uint   `json:"room_id"`
	RoomCode string `json:"room_code"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// CreateRoom 创建新房间及其初始文档
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	room, doc, err := h.rooms.CreateRoom(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.Code}).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusOK, CreateRoomResponse{
		Message:  "Room created successfully",
		RoomID:   room.ID,
		RoomCode: room.Code,
		Language: string(doc.Language),
		Content:  doc.Content,
	})
}

// JoinRoomRequest 定义加入房间请求的结构体
type JoinRoomRequest struct {
	Code string `json:"code" binding:"required"`
	Name string `json:"name"`
}

// JoinRoomResponse 定义加入房间成功的响应结构体
type JoinRoomResponse struct {
	Message string `json:"message"`
	RoomID  uint   `json:"room_id"`
	*service.Ticket
}

// JoinRoom 校验房间码并签发参与者票据
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid input: code is required")
		return
	}
	logCtx := logrus.WithField("room_code", req.Code)

	room, err := h.rooms.JoinRoom(c.Request.Context(), req.Code)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to join room via service")
		HandleServiceError(c, err)
		return
	}
	ticket, err := h.tickets.Issue(room.Code, req.Name)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to issue ticket")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithFields(logrus.Fields{"room_id": room.ID, "participant_id": ticket.ParticipantID}).Info("Handler.JoinRoom: Participant joined room")
	SuccessResponse(c, http.StatusOK, JoinRoomResponse{
		Message: "Joined room successfully",
		RoomID:  room.ID,
		Ticket:  ticket,
	})
}

// RoomInfoResponse 房间概况
type RoomInfoResponse struct {
	RoomID      uint      `json:"room_id"`
	RoomCode    string    `json:"room_code"`
	Language    string    `json:"language"`
	Revision    uint64    `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
	OnlineCount int       `json:"online_count"`
}

// GetRoom 返回房间的语言、版本和在线人数
func (h *RoomHandler) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.rooms.FindRoomByCode(ctx, c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	doc, err := h.docs.GetDocument(ctx, room.ID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	online, err := h.presence.OnlineCount(ctx, room.Code)
	if err != nil {
		// 在线人数拿不到时不影响其他信息
		logrus.WithError(err).WithField("room_code", room.Code).Warn("Handler.GetRoom: Failed to count online participants")
		online = 0
	}

	SuccessResponse(c, http.StatusOK, RoomInfoResponse{
		RoomID:      room.ID,
		RoomCode:    room.Code,
		Language:    string(doc.Language),
		Revision:    doc.Revision,
		UpdatedAt:   doc.UpdatedAt,
		OnlineCount: online,
	})
}

// MessageResponse 一条聊天消息
type MessageResponse struct {
	ID         string    `json:"id"`
	AuthorName string    `json:"author_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListMessages 按时间顺序返回聊天历史，支持 since (RFC3339) 和 limit
func (h *RoomHandler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "invalid_input", "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}
	limit, ok := queryLimit(c, defaultMessageLimit)
	if !ok {
		return
	}

	room, err := h.rooms.FindRoomByCode(ctx, c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	msgs, err := h.chats.ListMessages(ctx, room.ID, since, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{ID: m.ID, AuthorName: m.AuthorName, Body: m.Body, CreatedAt: m.CreatedAt})
	}
	SuccessResponse(c, http.StatusOK, gin.H{"messages": out})
}

// SnapshotResponse 快照元数据，Content 只在查看单个快照时返回
type SnapshotResponse struct {
	ID        uint      `json:"id"`
	Revision  uint64    `json:"revision"`
	Language  string    `json:"language"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Content   *string   `json:"content,omitempty"`
}

func toSnapshotResponse(s domain.DocumentSnapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:        s.ID,
		Revision:  s.Revision,
		Language:  string(s.Language),
		Size:      s.Size,
		CreatedAt: s.CreatedAt,
	}
}

// ListSnapshots 列出文档的历史快照，最新的在前
func (h *RoomHandler) ListSnapshots(c *gin.Context) {
	ctx := c.Request.Context()
	limit, ok := queryLimit(c, defaultSnapshotLimit)
	if !ok {
		return
	}
	room, err := h.rooms.FindRoomByCode(ctx, c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	snaps, err := h.snapshots.ListSnapshots(ctx, room.ID, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	out := make([]SnapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSnapshotResponse(s))
	}
	SuccessResponse(c, http.StatusOK, gin.H{"snapshots": out})
}

// GetSnapshot 返回单个快照及其解压后的内容
func (h *RoomHandler) GetSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		ErrorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid snapshot id")
		return
	}
	room, err := h.rooms.FindRoomByCode(ctx, c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	snap, content, err := h.snapshots.LoadSnapshot(ctx, room.ID, uint(id))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	resp := toSnapshotResponse(*snap)
	resp.Content = &content
	SuccessResponse(c, http.StatusOK, resp)
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
