package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	httpHandler "github.com/chriscod3/code-collab/internal/handler/http"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	memstore "github.com/chriscod3/code-collab/internal/infra/persistence/memory"
	"github.com/chriscod3/code-collab/internal/middleware"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/service"
)

type fixture struct {
	router    *gin.Engine
	store     *memstore.Store
	chats     *service.ChatService
	snapshots *service.SnapshotService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logrus.SetLevel(logrus.WarnLevel)

	feed := memfeed.New()
	store := memstore.New()
	publisher := transport.NewPublisher(feed)
	docs := service.NewDocumentService(store, publisher)
	chats := service.NewChatService(store, publisher)
	rooms := service.NewRoomService(store, docs, nil)
	snapshots, err := service.NewSnapshotService(store, store)
	require.NoError(t, err)
	presenceSvc := service.NewPresenceService(feed, publisher)
	tickets, err := service.NewTicketService("secret", 1)
	require.NoError(t, err)

	h := httpHandler.NewRoomHandler(rooms, docs, chats, snapshots, presenceSvc, tickets)
	router := gin.New()
	api := router.Group("/api/rooms")
	api.POST("", h.CreateRoom)
	api.POST("/join", h.JoinRoom)
	member := api.Group("/:code", middleware.ParticipantAuth(tickets))
	member.GET("", h.GetRoom)
	member.GET("/messages", h.ListMessages)
	member.GET("/snapshots", h.ListSnapshots)
	member.GET("/snapshots/:id", h.GetSnapshot)

	return &fixture{router: router, store: store, chats: chats, snapshots: snapshots}
}

func (f *fixture) do(t *testing.T, method, path, ticket string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ticket != "" {
		req.Header.Set("Authorization", "Bearer "+ticket)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// createAndJoin 创建房间并加入，返回房间码和票据
func (f *fixture) createAndJoin(t *testing.T) (string, string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/rooms", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var created httpHandler.CreateRoomResponse
	decode(t, w, &created)

	w = f.do(t, http.MethodPost, "/api/rooms/join", "", gin.H{"code": created.RoomCode, "name": "Ada"})
	require.Equal(t, http.StatusOK, w.Code)
	var joined map[string]interface{}
	decode(t, w, &joined)
	return created.RoomCode, joined["ticket"].(string)
}

func TestCreateRoom_ReturnsDefaultDocument(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	w := f.do(t, http.MethodPost, "/api/rooms", "", nil)

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	var resp httpHandler.CreateRoomResponse
	decode(t, w, &resp)
	assert.True(t, domain.ValidRoomCode(resp.RoomCode))
	assert.Equal(t, "javascript", resp.Language)
	assert.Equal(t, domain.DefaultContent, resp.Content)
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/rooms", "", nil)
	var created httpHandler.CreateRoomResponse
	decode(t, w, &created)

	testCases := []struct {
		name     string
		body     interface{}
		wantCode int
		wantKind string
	}{
		{name: "lower case code", body: gin.H{"code": " " + toLower(created.RoomCode), "name": "Ada"}, wantCode: http.StatusOK},
		{name: "unknown room", body: gin.H{"code": "ZZZZZ9"}, wantCode: http.StatusNotFound, wantKind: "not_found"},
		{name: "malformed code", body: gin.H{"code": "no"}, wantCode: http.StatusBadRequest, wantKind: "invalid_input"},
		{name: "missing code", body: gin.H{"name": "Ada"}, wantCode: http.StatusBadRequest, wantKind: "invalid_input"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			w := f.do(t, http.MethodPost, "/api/rooms/join", "", tc.body)

			// Assert
			assert.Equal(t, tc.wantCode, w.Code)
			var resp map[string]interface{}
			decode(t, w, &resp)
			if tc.wantKind != "" {
				assert.Equal(t, tc.wantKind, resp["code"])
				return
			}
			assert.Equal(t, created.RoomCode, resp["room_code"])
			assert.NotEmpty(t, resp["ticket"])
			assert.NotEmpty(t, resp["participant_id"])
		})
	}
}

func TestGetRoom_RequiresTicketForThatRoom(t *testing.T) {
	// Arrange
	f := newFixture(t)
	code, ticket := f.createAndJoin(t)
	_, otherTicket := f.createAndJoin(t)

	// Act
	ok := f.do(t, http.MethodGet, "/api/rooms/"+code, ticket, nil)
	anonymous := f.do(t, http.MethodGet, "/api/rooms/"+code, "", nil)
	foreign := f.do(t, http.MethodGet, "/api/rooms/"+code, otherTicket, nil)

	// Assert
	require.Equal(t, http.StatusOK, ok.Code)
	var info httpHandler.RoomInfoResponse
	decode(t, ok, &info)
	assert.Equal(t, code, info.RoomCode)
	assert.Equal(t, "javascript", info.Language)
	assert.Equal(t, 0, info.OnlineCount)
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, http.StatusForbidden, foreign.Code)
}

func TestListMessages(t *testing.T) {
	// Arrange
	f := newFixture(t)
	code, ticket := f.createAndJoin(t)
	room, err := f.store.FindByCode(context.Background(), code)
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.chats.AppendMessage(context.Background(), domain.ChatMessage{
			ID:         fmt.Sprintf("%02d", i),
			RoomID:     room.ID,
			AuthorName: "Ada",
			Body:       fmt.Sprintf("m%d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	// Act
	all := f.do(t, http.MethodGet, "/api/rooms/"+code+"/messages", ticket, nil)
	page := f.do(t, http.MethodGet, "/api/rooms/"+code+"/messages?limit=2&since="+base.Add(time.Second).Format(time.RFC3339), ticket, nil)
	bad := f.do(t, http.MethodGet, "/api/rooms/"+code+"/messages?since=yesterday", ticket, nil)

	// Assert
	require.Equal(t, http.StatusOK, all.Code)
	var allResp struct {
		Messages []httpHandler.MessageResponse `json:"messages"`
	}
	decode(t, all, &allResp)
	require.Len(t, allResp.Messages, 3)
	assert.Equal(t, "m0", allResp.Messages[0].Body)

	var pageResp struct {
		Messages []httpHandler.MessageResponse `json:"messages"`
	}
	decode(t, page, &pageResp)
	require.Len(t, pageResp.Messages, 2)
	assert.Equal(t, "m1", pageResp.Messages[0].Body)

	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSnapshots_ListAndGet(t *testing.T) {
	// Arrange
	f := newFixture(t)
	code, ticket := f.createAndJoin(t)
	room, err := f.store.FindByCode(context.Background(), code)
	require.NoError(t, err)
	snap, _, err := f.snapshots.CaptureSnapshot(context.Background(), room.ID)
	require.NoError(t, err)

	// Act
	list := f.do(t, http.MethodGet, "/api/rooms/"+code+"/snapshots", ticket, nil)
	one := f.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/%s/snapshots/%d", code, snap.ID), ticket, nil)
	missing := f.do(t, http.MethodGet, "/api/rooms/"+code+"/snapshots/9999", ticket, nil)
	badID := f.do(t, http.MethodGet, "/api/rooms/"+code+"/snapshots/abc", ticket, nil)

	// Assert
	require.Equal(t, http.StatusOK, list.Code)
	var listResp struct {
		Snapshots []httpHandler.SnapshotResponse `json:"snapshots"`
	}
	decode(t, list, &listResp)
	require.Len(t, listResp.Snapshots, 1)
	assert.Nil(t, listResp.Snapshots[0].Content)

	require.Equal(t, http.StatusOK, one.Code)
	var oneResp httpHandler.SnapshotResponse
	decode(t, one, &oneResp)
	require.NotNil(t, oneResp.Content)
	assert.Equal(t, domain.DefaultContent, *oneResp.Content)

	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, http.StatusBadRequest, badID.Code)
}

func toLower(s string) string {
	return string(bytes.ToLower([]byte(s)))
}
