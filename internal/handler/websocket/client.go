package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/realtime/presence"
	"github.com/chriscod3/code-collab/internal/realtime/replicator"
	"github.com/chriscod3/code-collab/internal/realtime/session"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 整篇文档随 edit 帧上传
	maxMessageSize = 1 << 20

	sendBufferSize = 256
	opTimeout      = 10 * time.Second
)

// 客户端帧类型
const (
	FrameEdit     = "edit"
	FrameLanguage = "language"
	FrameChat     = "chat"
	FrameSave     = "save"

	FrameDocument = "document"
	FramePresence = "presence"
	FrameStatus   = "status"
	FrameSaved    = "saved"
	FrameError    = "error"
)

// InboundFrame 客户端发来的帧
type InboundFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	Body     string `json:"body,omitempty"`
}

// DocumentFrame 文档状态
type DocumentFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Revision uint64 `json:"revision"`
	Remote   bool   `json:"remote"`
}

// ChatFrame 一条聊天消息
type ChatFrame struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	AuthorName string    `json:"author_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// PresenceFrame 在线名单
type PresenceFrame struct {
	Type        string                 `json:"type"`
	State       string                 `json:"state"`
	Members     []domain.PresenceEntry `json:"members"`
	OnlineCount int                    `json:"online_count"`
}

// StatusFrame 订阅连接状态
type StatusFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
}

// SavedFrame 保存完成
type SavedFrame struct {
	Type     string `json:"type"`
	Revision uint64 `json:"revision"`
}

// ErrorFrame 请求失败
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client 把一个 WebSocket 连接桥接到一个房间会话
type Client struct {
	conn    *websocket.Conn
	sess    *session.Session
	limiter *rate.Limiter
	log     *logrus.Entry

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	primed atomic.Bool
	unsubs []func()
}

// NewClient 创建 Client。limiter 为 nil 时不限制客户端发帧速率。
func NewClient(conn *websocket.Conn, sess *session.Session, limiter *rate.Limiter) *Client {
	return &Client{
		conn:    conn,
		sess:    sess,
		limiter: limiter,
		log: logrus.WithFields(logrus.Fields{
			"room_code":      sess.Room().Code,
			"participant_id": sess.Participant().ID,
		}),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Run 推送初始状态并阻塞处理连接，连接断开后关闭会话
func (c *Client) Run() {
	c.attach()
	go c.WritePump()
	c.ReadPump()
}

// attach 订阅会话的四类通知，订阅时回放的当前状态作为初始帧发出
func (c *Client) attach() {
	c.unsubs = append(c.unsubs,
		c.sess.OnDocumentChanged(c.onDocument),
		c.sess.OnPresenceChanged(c.onPresence),
		c.sess.OnChatMessage(c.onChat),
		c.sess.OnStatusChanged(c.onStatus),
	)
}

func (c *Client) onDocument(st replicator.DocumentState) {
	// 本地编辑的回显不再推给作者，只推第一次回放
	if !st.Remote && !c.primed.CompareAndSwap(false, true) {
		return
	}
	c.primed.Store(true)
	c.enqueue(FrameDocument, DocumentFrame{
		Type:     FrameDocument,
		Content:  st.Content,
		Language: string(st.Language),
		Revision: st.Revision,
		Remote:   st.Remote,
	})
}

func (c *Client) onPresence(r presence.Roster) {
	members := r.Members
	if members == nil {
		members = []domain.PresenceEntry{}
	}
	c.enqueue(FramePresence, PresenceFrame{
		Type:        FramePresence,
		State:       r.State.String(),
		Members:     members,
		OnlineCount: r.OnlineCount(),
	})
}

func (c *Client) onChat(m domain.ChatMessage) {
	c.enqueue(FrameChat, ChatFrame{
		Type:       FrameChat,
		ID:         m.ID,
		AuthorName: m.AuthorName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	})
}

func (c *Client) onStatus(ev transport.StatusEvent) {
	c.enqueue(FrameStatus, StatusFrame{
		Type:    FrameStatus,
		Channel: ev.Channel,
		Status:  ev.Status.String(),
		Attempt: ev.Attempt,
	})
}

func (c *Client) sendError(err error) {
	c.enqueue(FrameError, ErrorFrame{Type: FrameError, Code: domain.ErrorKind(err), Message: err.Error()})
}

// enqueue 非阻塞写入发送队列，队列满说明客户端读得太慢，直接断开
func (c *Client) enqueue(frameType string, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode websocket frame")
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		metrics.WebSocketFramesTotal.WithLabelValues("out", frameType).Inc()
	default:
		c.log.Warn("Send buffer full, disconnecting slow client")
		c.shutdown()
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ReadPump 读取客户端帧并转成会话操作。退出时释放会话。
func (c *Client) ReadPump() {
	defer func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.sess.Close(ctx); err != nil {
			c.log.WithError(err).Warn("Session closed with error")
		}
		c.shutdown()
		c.log.Info("readPump exited, session released")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.handle(message)
	}
}

func (c *Client) handle(raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.enqueue(FrameError, ErrorFrame{Type: FrameError, Code: "rate_limited", Message: "Too many frames, slow down"})
		return
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.enqueue(FrameError, ErrorFrame{Type: FrameError, Code: "invalid_input", Message: "Malformed frame"})
		return
	}
	metrics.WebSocketFramesTotal.WithLabelValues("in", frame.Type).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case FrameEdit:
		err = c.sess.Edit(ctx, frame.Content)
	case FrameLanguage:
		err = c.sess.SetLanguage(ctx, frame.Language)
	case FrameChat:
		err = c.sess.SendChat(ctx, frame.Body)
	case FrameSave:
		var st replicator.DocumentState
		st, err = c.sess.Save(ctx)
		if err == nil {
			c.enqueue(FrameSaved, SavedFrame{Type: FrameSaved, Revision: st.Revision})
		}
	default:
		c.enqueue(FrameError, ErrorFrame{Type: FrameError, Code: "invalid_input", Message: "Unknown frame type: " + frame.Type})
		return
	}
	if err != nil {
		c.log.WithError(err).WithField("frame", frame.Type).Warn("Frame rejected")
		c.sendError(err)
	}
}

// WritePump 把发送队列写到连接，并定期发送 Ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.log.Debug("writePump exited")
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}
