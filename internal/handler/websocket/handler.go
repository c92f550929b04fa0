package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	httpHandler "github.com/chriscod3/code-collab/internal/handler/http"
	"github.com/chriscod3/code-collab/internal/middleware"
	"github.com/chriscod3/code-collab/internal/realtime/session"
)

// Options WebSocketHandler 配置
type Options struct {
	// AllowedOrigin 为空或 "*" 时接受任意来源
	AllowedOrigin string
	// 每个连接每秒允许的客户端帧数，<= 0 表示不限制
	FramesPerSecond float64
	FrameBurst      int
}

// WebSocketHandler 负责把已认证的参与者升级为 WebSocket 连接并打开房间会话
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	opener   *session.Opener
	opts     Options
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(opener *session.Opener, opts Options) *WebSocketHandler {
	if opener == nil {
		panic("session Opener cannot be nil for WebSocketHandler")
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 20
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == opts.AllowedOrigin
		},
	}

	return &WebSocketHandler{upgrader: upgrader, opener: opener, opts: opts}
}

// HandleConnection 处理 /ws/rooms/:code 的升级请求。
// 会话在升级之前打开，房间不存在等错误仍能以 HTTP 状态码返回。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	claims, ok := middleware.ParticipantFrom(c)
	if !ok {
		logrus.Warn("WS Handler: Participant claims not found in context")
		httpHandler.ErrorResponse(c, http.StatusUnauthorized, "invalid_ticket", "Participant ticket is required")
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"participant_id": claims.ParticipantID,
		"room_code":      claims.RoomCode,
	})

	sess, err := h.opener.OpenRoom(c.Request.Context(), c.Param("code"), session.Participant{
		ID:   claims.ParticipantID,
		Name: claims.Name,
	})
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Failed to open room session")
		httpHandler.HandleServiceError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		_ = sess.Close(c.Request.Context())
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	var limiter *rate.Limiter
	if h.opts.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.FramesPerSecond), h.opts.FrameBurst)
	}

	start := time.Now()
	NewClient(conn, sess, limiter).Run()
	logCtx.WithField("duration", time.Since(start).String()).Info("WS Handler: Connection finished")
}
