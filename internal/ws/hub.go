package ws

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/airelay"
	"github.com/minhdzvcl102/chatbot/internal/dedupe"
	"github.com/minhdzvcl102/chatbot/internal/metrics"
	"github.com/minhdzvcl102/chatbot/internal/models"
	"github.com/minhdzvcl102/chatbot/internal/presence"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const storeTimeout = 10 * time.Second

// Store 是 Hub 依赖的持久化接口，由 service.Gateway 实现。
type Store interface {
	ConversationForUser(ctx context.Context, conversationID, userID uint) (*models.Conversation, error)
	CreateMessage(ctx context.Context, conversationID uint, role models.Role, content string, chart *string) (*models.Message, error)
	TouchConversation(ctx context.Context, conversationID uint) (time.Time, error)
}

// Relayer 把一轮用户消息交给 AI 进程，由 airelay.Client 实现。
type Relayer interface {
	Relay(ctx context.Context, req airelay.Request) airelay.Outcome
}

// Hub 是实时会话的协调者：处理入站事件、维护在线索引并向房间广播。
//
// 房间成员以 presence.Registry 为准；clients 记录每个用户的连接，每个连接记录自己加入的房间。
// 对单个房间的广播都在 mu 内完成，因此同一房间内的事件顺序与处理顺序一致。
type Hub struct {
	mu       sync.Mutex
	registry *presence.Registry
	clients  map[uint]map[*Client]struct{} // userID -> connections

	store Store
	relay Relayer
	seen  *dedupe.Cache // 可为 nil

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup
	log    zerolog.Logger
}

func NewHub(store Store, relay Relayer, registry *presence.Registry, seen *dedupe.Cache) *Hub {
	if registry == nil {
		registry = presence.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: registry,
		clients:  make(map[uint]map[*Client]struct{}),
		store:    store,
		relay:    relay,
		seen:     seen,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "hub").Logger(),
	}
}

// Registry 返回 Hub 使用的房间注册表。
func (h *Hub) Registry() *presence.Registry { return h.registry }

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	metrics.WsConnections.Inc()
	h.log.Info().Uint("user_id", c.userID).Str("connection_id", c.id).Msg("connected")
	c.push(encode(EventConnected, connectedEvent{
		Message:      "Connected successfully",
		UserID:       c.userID,
		Username:     c.username,
		ConnectionID: c.id,
	}))
}

// unregister 在连接关闭时清理索引，并向用户真正离开的房间广播 user_left 与在线列表。
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return
	}
	c.gone = true
	c.closeSend()
	metrics.WsConnections.Dec()

	conns := h.clients[c.userID]
	delete(conns, c)

	var left []uint
	for cid := range c.rooms {
		if !h.userInRoomLocked(c.userID, cid) {
			h.registry.Leave(c.userID, cid)
			left = append(left, cid)
		}
	}
	c.rooms = map[uint]struct{}{}
	if len(conns) == 0 {
		delete(h.clients, c.userID)
		for _, cid := range h.registry.OnDisconnect(c.userID) {
			if !containsID(left, cid) {
				left = append(left, cid)
			}
		}
	}

	for _, cid := range left {
		h.roomcastLocked(cid, encode(EventUserLeft, presenceEvent{UserID: c.userID, Username: c.username, ConversationID: cid}), nil)
		h.roomcastLocked(cid, h.onlineUsersLocked(cid), nil)
	}
	metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))
	h.log.Info().Uint("user_id", c.userID).Str("connection_id", c.id).Uints("rooms", left).Msg("disconnected")
}

// dispatch 处理一帧入站数据。处理过程中的 panic 在此收敛为发给发送方的 error 事件。
func (h *Hub) dispatch(c *Client, data []byte) {
	var env Envelope
	event := "invalid"
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("event", event).Uint("user_id", c.userID).
				Bytes("stack", debug.Stack()).Msg("ws handler panic")
			metrics.WsEventsTotal.WithLabelValues(event, "panic").Inc()
			h.emit(c, EventError, errorEvent{Message: errInternal})
		}
	}()

	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		h.emit(c, EventError, errorEvent{Message: errBadPayload})
		metrics.WsEventsTotal.WithLabelValues(event, "rejected").Inc()
		return
	}
	event = env.Event

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	var ok bool
	switch env.Event {
	case EventJoin:
		ok = h.handleJoin(ctx, c, env.Data)
	case EventLeave:
		ok = h.handleLeave(ctx, c, env.Data)
	case EventSendMessage:
		ok = h.handleSendMessage(ctx, c, env.Data)
	case EventTyping:
		ok = h.handleTyping(ctx, c, env.Data)
	case EventFileUploaded:
		ok = h.handleFileUploaded(ctx, c, env.Data)
	case EventGetOnlineUsers:
		ok = h.handleGetOnlineUsers(ctx, c, env.Data)
	default:
		event = "unknown"
		h.emit(c, EventError, errorEvent{Message: errUnknownEvent})
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	metrics.WsEventsTotal.WithLabelValues(event, result).Inc()
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// authorize 确认用户拥有该会话。失败时已向发送方发出 error，调用方直接返回。
func (h *Hub) authorize(ctx context.Context, c *Client, conversationID uint, failure string) bool {
	_, err := h.store.ConversationForUser(ctx, conversationID, c.userID)
	if err == nil {
		return true
	}
	if errors.Is(err, service.ErrConversationNotFound) {
		h.log.Warn().Uint("user_id", c.userID).Uint("conversation_id", conversationID).Msg("unauthorized conversation access")
		h.emit(c, EventError, errorEvent{Message: errUnauthorized})
		return false
	}
	h.log.Error().Err(err).Uint("user_id", c.userID).Uint("conversation_id", conversationID).Msg("ownership check")
	h.emit(c, EventError, errorEvent{Message: failure})
	return false
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req roomRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 {
		h.emit(c, EventError, errorEvent{Message: errConversationRequired})
		return false
	}
	cid := uint(req.ConversationID)
	if !h.authorize(ctx, c, cid, errJoinFailed) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return false
	}
	c.rooms[cid] = struct{}{}
	h.registry.Join(c.userID, cid)
	metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))

	c.push(encode(EventJoined, roomEvent{ConversationID: cid, Message: "Successfully joined conversation"}))
	h.roomcastLocked(cid, encode(EventUserJoined, presenceEvent{UserID: c.userID, Username: c.username, ConversationID: cid}), c)
	h.roomcastLocked(cid, h.onlineUsersLocked(cid), nil)
	h.log.Info().Uint("user_id", c.userID).Uint("conversation_id", cid).Msg("joined conversation")
	return true
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req roomRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 {
		h.emit(c, EventError, errorEvent{Message: errConversationRequired})
		return false
	}
	cid := uint(req.ConversationID)

	// 已在房间内说明加入时校验过归属
	var inRoom bool
	h.locked(func() { _, inRoom = c.rooms[cid] })
	if !inRoom && !h.authorize(ctx, c, cid, errLeaveFailed) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return false
	}
	delete(c.rooms, cid)
	c.push(encode(EventLeft, roomEvent{ConversationID: cid, Message: "Successfully left conversation"}))
	if h.registry.IsMember(c.userID, cid) && !h.userInRoomLocked(c.userID, cid) {
		h.registry.Leave(c.userID, cid)
		metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))
		h.roomcastLocked(cid, encode(EventUserLeft, presenceEvent{UserID: c.userID, Username: c.username, ConversationID: cid}), nil)
		h.roomcastLocked(cid, h.onlineUsersLocked(cid), nil)
	}
	h.log.Info().Uint("user_id", c.userID).Uint("conversation_id", cid).Msg("left conversation")
	return true
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req sendMessageRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 || strings.TrimSpace(req.Content) == "" {
		h.emit(c, EventError, errorEvent{Message: errContentRequired})
		return false
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	if !req.Role.Valid() {
		h.emit(c, EventError, errorEvent{Message: errInvalidRole})
		return false
	}
	cid := uint(req.ConversationID)
	if !h.authorize(ctx, c, cid, errSendFailed) {
		return false
	}

	// 占位的键只在落库成功后提交，失败或 panic 时释放，客户端可用同一 ID 重试。
	var key string
	committed := false
	if req.ClientMessageID != "" && h.seen != nil {
		key = dedupe.Key(c.userID, cid, req.ClientMessageID)
		switch h.seen.Reserve(key) {
		case dedupe.Done:
			h.emit(c, EventError, errorEvent{Message: errDuplicate})
			return false
		case dedupe.Pending:
			h.emit(c, EventError, errorEvent{Message: errInFlight})
			return false
		}
		defer func() {
			if !committed {
				h.seen.Forget(key)
			}
		}()
	}

	msg, err := h.store.CreateMessage(ctx, cid, req.Role, req.Content, nil)
	if err != nil {
		h.log.Error().Err(err).Uint("user_id", c.userID).Uint("conversation_id", cid).Msg("persist message")
		h.emit(c, EventError, errorEvent{Message: errSendFailed})
		return false
	}
	if key != "" {
		h.seen.Commit(key)
		committed = true
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
	updatedAt := h.touch(ctx, cid)

	userID := c.userID
	evt := messageEvent(msg, &userID, c.username)

	h.announce(c, cid, evt, msg.Role == models.RoleUser, updatedAt)

	h.log.Info().Uint("user_id", c.userID).Uint("conversation_id", cid).Uint("message_id", msg.ID).Msg("message sent")
	if msg.Role == models.RoleUser {
		h.startTurn(c, cid, msg.Content)
	}
	return true
}

// announce 按 new_message、AI typing、conversation_updated 的顺序投递一条已落库的消息。
func (h *Hub) announce(origin *Client, cid uint, evt MessageEvent, aiTurn bool, updatedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(cid, encode(EventNewMessage, evt), origin)
	if aiTurn {
		h.deliverLocked(cid, encode(EventTyping, typingEvent{Username: AIUsername, ConversationID: cid, IsTyping: true}), origin)
	}
	h.deliverLocked(cid, encode(EventConversationUpdated, conversationUpdatedEvent{ConversationID: cid, UpdatedAt: updatedAt, LastMessage: evt}), origin)
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req typingRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 {
		h.emit(c, EventError, errorEvent{Message: errConversationRequired})
		return false
	}
	cid := uint(req.ConversationID)
	if !h.authorize(ctx, c, cid, errTypingFailed) {
		return false
	}
	userID := c.userID
	b := encode(EventTyping, typingEvent{UserID: &userID, Username: c.username, ConversationID: cid, IsTyping: req.IsTyping})
	h.locked(func() { h.roomcastLocked(cid, b, c) })
	return true
}

func (h *Hub) handleFileUploaded(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req fileUploadedRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 || len(req.File) == 0 || string(req.File) == "null" {
		h.emit(c, EventError, errorEvent{Message: errFileRequired})
		return false
	}
	cid := uint(req.ConversationID)
	if !h.authorize(ctx, c, cid, errFileFailed) {
		return false
	}
	b := encode(EventFileUploaded, fileUploadedEvent{
		ConversationID: cid,
		File:           req.File,
		UploadedBy:     uploader{UserID: c.userID, Username: c.username},
		UploadedAt:     time.Now().UTC(),
	})
	h.locked(func() { h.deliverLocked(cid, b, c) })
	return true
}

func (h *Hub) handleGetOnlineUsers(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var req roomRequest
	if err := decode(raw, &req); err != nil || req.ConversationID == 0 {
		h.emit(c, EventError, errorEvent{Message: errConversationRequired})
		return false
	}
	cid := uint(req.ConversationID)
	if !h.authorize(ctx, c, cid, errOnlineFailed) {
		return false
	}
	h.locked(func() { c.push(h.onlineUsersLocked(cid)) })
	return true
}

// startTurn 在独立 goroutine 中等待 AI 结果，不阻塞当前连接的后续事件。
// 同一会话的多轮之间不做串行化，回复可能乱序到达。
func (h *Hub) startTurn(origin *Client, conversationID uint, text string) {
	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		defer func() {
			if r := recover(); r != nil {
				h.log.Error().Interface("panic", r).Uint("conversation_id", conversationID).
					Bytes("stack", debug.Stack()).Msg("ai turn panic")
				h.aiFailed(origin, conversationID, errAIPersist)
			}
		}()

		out := h.relay.Relay(h.ctx, airelay.Request{ConversationID: conversationID, Message: text, Username: origin.username})
		if !out.OK() {
			h.log.Warn().Uint("conversation_id", conversationID).Str("outcome", out.Kind.String()).Str("reason", out.Reason).Msg("ai turn failed")
			h.aiFailed(origin, conversationID, out.Reason)
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), storeTimeout)
		defer cancel()
		msg, err := h.store.CreateMessage(ctx, conversationID, models.RoleAssistant, out.Reply.Content, out.Reply.ChartImage)
		if err != nil {
			h.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("persist ai reply")
			h.aiFailed(origin, conversationID, errAIPersist)
			return
		}
		metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
		updatedAt := h.touch(ctx, conversationID)
		evt := messageEvent(msg, nil, AIUsername)

		h.mu.Lock()
		defer h.mu.Unlock()
		h.deliverLocked(conversationID, encode(EventTyping, typingEvent{Username: AIUsername, ConversationID: conversationID}), origin)
		h.deliverLocked(conversationID, encode(EventNewMessage, evt), origin)
		h.deliverLocked(conversationID, encode(EventConversationUpdated, conversationUpdatedEvent{ConversationID: conversationID, UpdatedAt: updatedAt, LastMessage: evt}), origin)
		h.log.Info().Uint("conversation_id", conversationID).Uint("message_id", msg.ID).Msg("ai reply sent")
	}()
}

func (h *Hub) aiFailed(origin *Client, conversationID uint, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(conversationID, encode(EventTyping, typingEvent{Username: AIUsername, ConversationID: conversationID}), origin)
	h.deliverLocked(conversationID, encode(EventAIError, aiErrorEvent{ConversationID: conversationID, Error: reason, Timestamp: time.Now().UTC()}), origin)
}

// touch 更新会话时间戳；消息已落库，失败只记录日志。
func (h *Hub) touch(ctx context.Context, conversationID uint) time.Time {
	updatedAt, err := h.store.TouchConversation(ctx, conversationID)
	if err != nil {
		h.log.Warn().Err(err).Uint("conversation_id", conversationID).Msg("touch conversation")
		return time.Now().UTC()
	}
	return updatedAt
}

func (h *Hub) emit(c *Client, event string, data any) {
	b := encode(event, data)
	h.locked(func() { c.push(b) })
}

// locked 在持有 mu 时执行 fn，fn 内 panic 也会释放锁。
func (h *Hub) locked(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// roomcastLocked 发给房间内所有连接，except 非空时跳过该连接。调用方持有 mu。
func (h *Hub) roomcastLocked(conversationID uint, b []byte, except *Client) {
	for _, uid := range h.registry.MembersOf(conversationID) {
		for cli := range h.clients[uid] {
			if cli == except {
				continue
			}
			if _, ok := cli.rooms[conversationID]; ok {
				cli.push(b)
			}
		}
	}
}

// deliverLocked 发给房间，并保证未加入房间的发起方也能收到结果。
func (h *Hub) deliverLocked(conversationID uint, b []byte, origin *Client) {
	h.roomcastLocked(conversationID, b, nil)
	if origin == nil {
		return
	}
	if _, ok := origin.rooms[conversationID]; !ok {
		origin.push(b)
	}
}

func (h *Hub) userInRoomLocked(userID, conversationID uint) bool {
	for cli := range h.clients[userID] {
		if _, ok := cli.rooms[conversationID]; ok {
			return true
		}
	}
	return false
}

func (h *Hub) onlineUsersLocked(conversationID uint) []byte {
	users := make([]OnlineUser, 0)
	for _, uid := range h.registry.MembersOf(conversationID) {
		var info *OnlineUser
		for cli := range h.clients[uid] {
			if info == nil || cli.connectedAt.Before(info.ConnectedAt) {
				info = &OnlineUser{UserID: uid, Username: cli.username, Email: cli.email, ConnectedAt: cli.connectedAt}
			}
		}
		if info != nil {
			users = append(users, *info)
		}
	}
	return encode(EventOnlineUsers, onlineUsersEvent{ConversationID: conversationID, OnlineUsers: users, Count: len(users)})
}

// push 非阻塞地写入发送队列；队列已满视为慢连接，关闭其发送通道。调用方持有 Hub.mu。
func (c *Client) push(b []byte) {
	if c.sendClosed {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Uint("user_id", c.userID).Str("connection_id", c.id).Msg("send buffer full, closing connection")
		c.closeSend()
	}
}

func (c *Client) closeSend() {
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// Stats 是实时层的运行统计。
type Stats struct {
	ConnectedUsers int `json:"connectedUsers"`
	Connections    int `json:"connections"`
	ActiveRooms    int `json:"activeRooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{ConnectedUsers: len(h.clients), ActiveRooms: h.registry.RoomCount()}
	for _, conns := range h.clients {
		s.Connections += len(conns)
	}
	return s
}

// BroadcastSystem 向所有连接发送 system_message。
func (h *Hub) BroadcastSystem(message string) {
	b := encode(EventSystemMessage, systemEvent{Message: message, Timestamp: time.Now().UTC()})
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for cli := range conns {
			cli.push(b)
		}
	}
}

// Close 关闭全部连接的发送通道，取消进行中的 AI 请求并等待其结束。
func (h *Hub) Close() {
	h.locked(func() {
		for _, conns := range h.clients {
			for cli := range conns {
				cli.closeSend()
			}
		}
	})
	h.cancel()
	h.turns.Wait()
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
