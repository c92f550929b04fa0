package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsHandler "github.com/chriscod3/code-collab/internal/handler/websocket"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	memstore "github.com/chriscod3/code-collab/internal/infra/persistence/memory"
	"github.com/chriscod3/code-collab/internal/middleware"
	"github.com/chriscod3/code-collab/internal/realtime/session"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/service"
)

type server struct {
	url     string
	rooms   *service.RoomService
	tickets *service.TicketService
}

func newServer(t *testing.T, opts wsHandler.Options) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logrus.SetLevel(logrus.WarnLevel)

	feed := memfeed.New()
	store := memstore.New()
	publisher := transport.NewPublisher(feed)
	docs := service.NewDocumentService(store, publisher)
	chats := service.NewChatService(store, publisher)
	rooms := service.NewRoomService(store, docs, nil)
	tickets, err := service.NewTicketService("secret", 1)
	require.NoError(t, err)
	opener := session.NewOpener(rooms, docs, chats, feed, nil, session.Options{ReadyTimeout: time.Second})

	router := gin.New()
	router.GET("/ws/rooms/:code", middleware.ParticipantAuth(tickets), wsHandler.NewWebSocketHandler(opener, opts).HandleConnection)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &server{url: "ws" + strings.TrimPrefix(ts.URL, "http"), rooms: rooms, tickets: tickets}
}

func (s *server) dial(t *testing.T, code, name string) *gorillaws.Conn {
	t.Helper()
	ticket, err := s.tickets.Issue(code, name)
	require.NoError(t, err)
	conn, resp, err := gorillaws.DefaultDialer.Dial(s.url+"/ws/rooms/"+code+"?ticket="+ticket.Token, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil 读取帧直到 match 返回 true
func readUntil(t *testing.T, conn *gorillaws.Conn, match func(frame map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

// collectUntil 读取帧直到每个 matcher 都匹配过一次，不要求顺序
func collectUntil(t *testing.T, conn *gorillaws.Conn, matchers map[string]func(frame map[string]interface{}) bool) map[string]map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	got := make(map[string]map[string]interface{}, len(matchers))
	for len(got) < len(matchers) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		for name, match := range matchers {
			if _, seen := got[name]; !seen && match(frame) {
				got[name] = frame
			}
		}
	}
	return got
}

func ofType(typ string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool { return f["type"] == typ }
}

func TestWebSocket_InitialStateAndRemoteEdit(t *testing.T) {
	// Arrange
	srv := newServer(t, wsHandler.Options{})
	room, doc, err := srv.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	alice := srv.dial(t, room.Code, "Alice")
	initial := readUntil(t, alice, ofType(wsHandler.FrameDocument))
	bob := srv.dial(t, room.Code, "Bob")
	readUntil(t, bob, ofType(wsHandler.FrameDocument))

	// Act
	require.NoError(t, alice.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameEdit, Content: "let x = 1;"}))
	require.NoError(t, alice.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameChat, Body: "hi bob"}))

	// Assert
	assert.Equal(t, doc.Content, initial["content"])
	assert.Equal(t, "javascript", initial["language"])

	// 文档和聊天走不同的订阅，到达顺序不确定
	got := collectUntil(t, bob, map[string]func(map[string]interface{}) bool{
		"document": func(f map[string]interface{}) bool {
			return f["type"] == wsHandler.FrameDocument && f["content"] == "let x = 1;"
		},
		"chat": ofType(wsHandler.FrameChat),
	})
	remote, chat := got["document"], got["chat"]
	assert.Equal(t, true, remote["remote"])
	assert.Equal(t, "Alice", chat["author_name"])
	assert.Equal(t, "hi bob", chat["body"])

	roster := readUntil(t, alice, func(f map[string]interface{}) bool {
		return f["type"] == wsHandler.FramePresence && f["online_count"] == float64(2)
	})
	assert.Equal(t, "synced", roster["state"])
}

func TestWebSocket_SaveAndErrorFrames(t *testing.T) {
	// Arrange
	srv := newServer(t, wsHandler.Options{})
	room, _, err := srv.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	conn := srv.dial(t, room.Code, "Ada")
	readUntil(t, conn, ofType(wsHandler.FrameDocument))

	// Act
	require.NoError(t, conn.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameLanguage, Language: "cobol"}))
	langErr := readUntil(t, conn, ofType(wsHandler.FrameError))
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	parseErr := readUntil(t, conn, ofType(wsHandler.FrameError))
	require.NoError(t, conn.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameEdit, Content: "saved"}))
	require.NoError(t, conn.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameSave}))
	saved := readUntil(t, conn, ofType(wsHandler.FrameSaved))

	// Assert
	assert.Equal(t, "invalid_input", langErr["code"])
	assert.Equal(t, "invalid_input", parseErr["code"])
	assert.Greater(t, saved["revision"].(float64), float64(0))
}

func TestWebSocket_RateLimitedFrames(t *testing.T) {
	// Arrange
	srv := newServer(t, wsHandler.Options{FramesPerSecond: 0.001, FrameBurst: 1})
	room, _, err := srv.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	conn := srv.dial(t, room.Code, "Ada")
	readUntil(t, conn, ofType(wsHandler.FrameDocument))

	// Act
	require.NoError(t, conn.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameChat, Body: "one"}))
	require.NoError(t, conn.WriteJSON(wsHandler.InboundFrame{Type: wsHandler.FrameChat, Body: "two"}))

	// Assert
	frame := readUntil(t, conn, ofType(wsHandler.FrameError))
	assert.Equal(t, "rate_limited", frame["code"])
}

func TestWebSocket_HandshakeFailures(t *testing.T) {
	srv := newServer(t, wsHandler.Options{})
	room, _, err := srv.rooms.CreateRoom(context.Background())
	require.NoError(t, err)
	unknown, err := srv.tickets.Issue("ZZZZZ9", "Ada")
	require.NoError(t, err)

	testCases := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "missing ticket", path: "/ws/rooms/" + room.Code, wantStatus: http.StatusUnauthorized},
		{name: "unknown room", path: "/ws/rooms/ZZZZZ9?ticket=" + unknown.Token, wantStatus: http.StatusNotFound},
		{name: "ticket for another room", path: "/ws/rooms/" + room.Code + "?ticket=" + unknown.Token, wantStatus: http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			conn, resp, err := gorillaws.DefaultDialer.Dial(srv.url+tc.path, nil)

			// Assert
			require.Error(t, err)
			assert.Nil(t, conn)
			require.NotNil(t, resp)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}
