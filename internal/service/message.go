package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID             uint        `json:"id"`
	ConversationID uint        `json:"conversationId"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	ChartImagePath *string     `json:"chart_image_path,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

func ToMessageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		ChartImagePath: m.ChartImage,
		CreatedAt:      m.CreatedAt,
	}
}

// Create 校验并持久化一条消息，content 会被 trim。
func (s *MessageService) Create(ctx context.Context, conversationID uint, role models.Role, content string, chart *string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	msg := models.Message{ConversationID: conversationID, Role: role, Content: content, ChartImage: chart}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// Get 按 ID 读取消息。
func (s *MessageService) Get(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// List 分页查询指定会话的消息，按 id 升序返回。
func (s *MessageService) List(ctx context.Context, conversationID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToMessageDTO(m))
	}
	return out, nil
}
