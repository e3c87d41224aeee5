package ws

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/models"
)

// 入站事件
const (
	EventJoin           = "join_conversation"
	EventLeave          = "leave_conversation"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventFileUploaded   = "file_uploaded"
	EventGetOnlineUsers = "get_online_users"
)

// 出站事件
const (
	EventConnected           = "connected"
	EventJoined              = "joined_conversation"
	EventLeft                = "left_conversation"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventOnlineUsers         = "online_users"
	EventNewMessage          = "new_message"
	EventAIError             = "ai_error"
	EventConversationUpdated = "conversation_updated"
	EventSystemMessage       = "system_message"
	EventError               = "error"
)

// AIUsername 是 AI 消息与 AI 输入状态使用的显示名。
const AIUsername = "AI Assistant"

// 发给客户端的错误文案，不包含内部错误细节。
const (
	errConversationRequired = "Conversation ID is required"
	errContentRequired      = "Conversation ID and content are required"
	errFileRequired         = "Conversation ID and file info are required"
	errInvalidRole          = "Invalid message role"
	errUnauthorized         = "Unauthorized access to conversation"
	errDuplicate            = "Duplicate message"
	errInFlight             = "Message is still being processed, retry shortly"
	errJoinFailed           = "Failed to join conversation"
	errLeaveFailed          = "Failed to leave conversation"
	errSendFailed           = "Failed to send message"
	errTypingFailed         = "Failed to update typing status"
	errFileFailed           = "Failed to share file"
	errOnlineFailed         = "Failed to get online users"
	errUnknownEvent         = "Unknown event"
	errBadPayload           = "Invalid payload"
	errInternal             = "Internal server error"
	errAIPersist            = "Failed to process AI response"
)

// Envelope 是 websocket 上每一帧的外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) []byte {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		// 出站结构都是本包定义的类型，不会失败
		panic(err)
	}
	return b
}

// ConversationID 同时接受数字与数字字符串，0 表示缺失。
type ConversationID uint

func (id *ConversationID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return err
	}
	*id = ConversationID(v)
	return nil
}

type roomRequest struct {
	ConversationID ConversationID `json:"conversationId"`
}

type sendMessageRequest struct {
	ConversationID  ConversationID `json:"conversationId"`
	Content         string         `json:"content"`
	Role            models.Role    `json:"role"`
	ClientMessageID string         `json:"clientMessageId"`
}

type typingRequest struct {
	ConversationID ConversationID `json:"conversationId"`
	IsTyping       bool           `json:"isTyping"`
}

type fileUploadedRequest struct {
	ConversationID ConversationID  `json:"conversationId"`
	File           json.RawMessage `json:"file"`
}

type connectedEvent struct {
	Message      string `json:"message"`
	UserID       uint   `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
}

type roomEvent struct {
	ConversationID uint   `json:"conversationId"`
	Message        string `json:"message,omitempty"`
}

type presenceEvent struct {
	UserID         uint   `json:"userId"`
	Username       string `json:"username"`
	ConversationID uint   `json:"conversationId"`
}

type OnlineUser struct {
	UserID      uint      `json:"userId"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type onlineUsersEvent struct {
	ConversationID uint         `json:"conversationId"`
	OnlineUsers    []OnlineUser `json:"onlineUsers"`
	Count          int          `json:"count"`
}

// MessageEvent 是 new_message 的负载，AI 消息的 UserID 为 null。
type MessageEvent struct {
	ID             uint        `json:"id"`
	ConversationID uint        `json:"conversationId"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	ChartImagePath *string     `json:"chart_image_path,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UserID         *uint       `json:"userId"`
	Username       string      `json:"username"`
}

func messageEvent(m *models.Message, userID *uint, username string) MessageEvent {
	return MessageEvent{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		ChartImagePath: m.ChartImage,
		CreatedAt:      m.CreatedAt,
		UserID:         userID,
		Username:       username,
	}
}

type typingEvent struct {
	UserID         *uint  `json:"userId"`
	Username       string `json:"username"`
	ConversationID uint   `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type aiErrorEvent struct {
	ConversationID uint      `json:"conversationId"`
	Error          string    `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
}

type conversationUpdatedEvent struct {
	ConversationID uint         `json:"conversationId"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastMessage    MessageEvent `json:"lastMessage"`
}

type uploader struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
}

type fileUploadedEvent struct {
	ConversationID uint            `json:"conversationId"`
	File           json.RawMessage `json:"file"`
	UploadedBy     uploader        `json:"uploadedBy"`
	UploadedAt     time.Time       `json:"uploadedAt"`
}

type systemEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type errorEvent struct {
	Message string `json:"message"`
}
