package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/minhdzvcl102/chatbot/internal/auth"
	"github.com/minhdzvcl102/chatbot/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
)

// Client 是一条已鉴权的 websocket 连接。rooms、sendClosed 与 gone 由 Hub.mu 保护。
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	userID      uint
	username    string
	email       string
	connectedAt time.Time

	rooms      map[uint]struct{}
	sendClosed bool
	gone       bool
}

func newClient(h *Hub, conn *websocket.Conn, user models.User) *Client {
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          uuid.NewString(),
		userID:      user.ID,
		username:    user.Username,
		email:       user.Email,
		connectedAt: time.Now().UTC(),
		rooms:       make(map[uint]struct{}),
	}
}

// ID 返回连接 ID。
func (c *Client) ID() string { return c.id }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 在升级前完成握手鉴权，失败时返回 401 与具体原因。
func Serve(h *Hub, db *gorm.DB, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := auth.Authenticate(c.Request.Context(), db, secret, auth.TokenFromRequest(c.Request))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUserNotFound):
				log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("ws handshake rejected")
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			default:
				log.Error().Err(err).Msg("ws handshake")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, *user)
		h.register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Uint("user_id", c.userID).Msg("ws read")
			}
			return
		}
		c.hub.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
