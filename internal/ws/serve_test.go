package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/minhdzvcl102/chatbot/internal/airelay"
	"github.com/minhdzvcl102/chatbot/internal/auth"
	"github.com/minhdzvcl102/chatbot/internal/db"
	"github.com/minhdzvcl102/chatbot/internal/models"
	"github.com/minhdzvcl102/chatbot/internal/presence"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "ws-test-secret"

type env struct {
	db   *gorm.DB
	srv  *httptest.Server
	user models.User
	conv *service.ConversationDTO
}

func newEnv(t *testing.T, aiAddr string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenMemory("ws_" + uuid.NewString())
	require.NoError(t, err)

	gw := service.NewGatewayFromDB(gdb)
	relay := airelay.New(airelay.Config{Addr: aiAddr, Timeout: 2 * time.Second})
	h := NewHub(gw, relay, presence.NewRegistry(), nil)

	r := gin.New()
	r.GET("/ws", Serve(h, gdb, testSecret))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	user := models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, gdb.Create(&user).Error)
	conv, err := gw.Conversations.Create(context.Background(), user.ID, "Chat")
	require.NoError(t, err)
	return &env{db: gdb, srv: srv, user: user, conv: conv}
}

func (e *env) url(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	tok, err := auth.GenerateAccessToken(e.user.ID, testSecret, 15)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(e.url(tok), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn, event string, into any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, event, f.Event, "data: %s", f.Data)
	if into != nil {
		require.NoError(t, json.Unmarshal(f.Data, into))
	}
}

func write(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// aiServer 代替 AI 进程：读取一行请求后回写 reply。
func aiServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				if _, err := bufio.NewReader(c).ReadBytes('\n'); err != nil {
					return
				}
				_, _ = c.Write([]byte(reply))
			}()
		}
	}()
	return ln.Addr().String()
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServe_HandshakeRejections(t *testing.T) {
	e := newEnv(t, deadAddr(t))
	ghost, err := auth.GenerateAccessToken(e.user.ID+100, testSecret, 15)
	require.NoError(t, err)
	expired, err := auth.GenerateAccessToken(e.user.ID, testSecret, -1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "missing token"},
		{"garbage", "not-a-jwt", "invalid or expired token"},
		{"expired", expired, "invalid or expired token"},
		{"unknown user", ghost, "user not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(e.url(tt.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body struct{ Error string }
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.want, body.Error)
		})
	}
}

func TestServe_ConversationRoundTrip(t *testing.T) {
	e := newEnv(t, aiServer(t, "{\"content\":\"Hi there\"}\n"))
	conn := e.dial(t)

	var hello connectedEvent
	read(t, conn, EventConnected, &hello)
	assert.Equal(t, e.user.ID, hello.UserID)

	write(t, conn, EventJoin, map[string]any{"conversationId": e.conv.ID})
	read(t, conn, EventJoined, nil)
	read(t, conn, EventOnlineUsers, nil)

	write(t, conn, EventSendMessage, map[string]any{"conversationId": e.conv.ID, "content": "Hello"})
	var human MessageEvent
	read(t, conn, EventNewMessage, &human)
	assert.Equal(t, models.RoleUser, human.Role)
	assert.Equal(t, "Hello", human.Content)

	var typing typingEvent
	read(t, conn, EventTyping, &typing)
	assert.True(t, typing.IsTyping)
	read(t, conn, EventConversationUpdated, nil)

	read(t, conn, EventTyping, &typing)
	assert.False(t, typing.IsTyping)
	var ai MessageEvent
	read(t, conn, EventNewMessage, &ai)
	assert.Equal(t, models.RoleAssistant, ai.Role)
	assert.Equal(t, "Hi there", ai.Content)
	read(t, conn, EventConversationUpdated, nil)

	var stored []models.Message
	require.NoError(t, e.db.Order("id").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hi there", stored[1].Content)
}

func TestServe_AIUnreachable(t *testing.T) {
	e := newEnv(t, deadAddr(t))
	conn := e.dial(t)
	read(t, conn, EventConnected, nil)

	write(t, conn, EventJoin, map[string]any{"conversationId": e.conv.ID})
	read(t, conn, EventJoined, nil)
	read(t, conn, EventOnlineUsers, nil)

	write(t, conn, EventSendMessage, map[string]any{"conversationId": e.conv.ID, "content": "Hello"})
	read(t, conn, EventNewMessage, nil)
	var typing typingEvent
	read(t, conn, EventTyping, &typing)
	assert.True(t, typing.IsTyping)
	read(t, conn, EventConversationUpdated, nil)
	read(t, conn, EventTyping, &typing)
	assert.False(t, typing.IsTyping)
	var aiErr aiErrorEvent
	read(t, conn, EventAIError, &aiErr)
	assert.Equal(t, airelay.ReasonConnection, aiErr.Error)

	var count int64
	require.NoError(t, e.db.Model(&models.Message{}).Where("role = ?", models.RoleAssistant).Count(&count).Error)
	assert.Zero(t, count)
}

func TestServe_ForeignConversation(t *testing.T) {
	e := newEnv(t, deadAddr(t))
	other := models.User{Username: "bob", Email: "bob@example.com", PasswordHash: "x"}
	require.NoError(t, e.db.Create(&other).Error)
	foreign := models.Conversation{UserID: other.ID, Title: "Bob's"}
	require.NoError(t, e.db.Create(&foreign).Error)

	conn := e.dial(t)
	read(t, conn, EventConnected, nil)
	write(t, conn, EventJoin, map[string]any{"conversationId": foreign.ID})
	var errEvt errorEvent
	read(t, conn, EventError, &errEvt)
	assert.Equal(t, errUnauthorized, errEvt.Message)
}
