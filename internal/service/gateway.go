package service

import (
	"context"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/models"

	"gorm.io/gorm"
)

// Gateway 是实时层使用的持久化入口，组合了用户、会话与消息服务。
type Gateway struct {
	Users         *UserService
	Conversations *ConversationService
	Messages      *MessageService
}

func NewGateway(users *UserService, convs *ConversationService, msgs *MessageService) *Gateway {
	return &Gateway{Users: users, Conversations: convs, Messages: msgs}
}

// NewGatewayFromDB 用同一个 *gorm.DB 构造全部依赖，UserService 不需要签发 token 时可用。
func NewGatewayFromDB(db *gorm.DB) *Gateway {
	return &Gateway{
		Users:         &UserService{db: db},
		Conversations: NewConversationService(db),
		Messages:      NewMessageService(db),
	}
}

func (g *Gateway) ConversationForUser(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	return g.Conversations.ForUser(ctx, conversationID, userID)
}

func (g *Gateway) CreateMessage(ctx context.Context, conversationID uint, role models.Role, content string, chart *string) (*models.Message, error) {
	return g.Messages.Create(ctx, conversationID, role, content, chart)
}

func (g *Gateway) TouchConversation(ctx context.Context, conversationID uint) (time.Time, error) {
	return g.Conversations.Touch(ctx, conversationID)
}

func (g *Gateway) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	return g.Messages.Get(ctx, id)
}

func (g *Gateway) GetUser(ctx context.Context, id uint) (*models.User, error) {
	return g.Users.Get(ctx, id)
}
