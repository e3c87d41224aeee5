package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/models"

	"gorm.io/gorm"
)

// ConversationService 封装会话的增删改查，所有操作都限定在会话拥有者范围内。
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// ConversationDTO 是对外输出的会话数据。
type ConversationDTO struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toConversationDTO(c models.Conversation) ConversationDTO {
	return ConversationDTO{ID: c.ID, UserID: c.UserID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

// List 返回用户的全部会话，最新创建的在前。
func (s *ConversationService) List(ctx context.Context, userID uint) ([]ConversationDTO, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc").Find(&convs).Error; err != nil {
		return nil, err
	}
	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationDTO(c))
	}
	return out, nil
}

// Create 创建新会话。
func (s *ConversationService) Create(ctx context.Context, userID uint, title string) (*ConversationDTO, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	conv := models.Conversation{UserID: userID, Title: title}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	dto := toConversationDTO(conv)
	return &dto, nil
}

// ForUser 读取属于 userID 的会话；不存在或不属于该用户时返回 ErrConversationNotFound。
func (s *ConversationService) ForUser(ctx context.Context, conversationID, userID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", conversationID, userID).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// Rename 修改会话标题。
func (s *ConversationService) Rename(ctx context.Context, conversationID, userID uint, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrTitleRequired
	}
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Delete 删除会话及其消息和附件记录，返回需要从对象存储删除的文件名。
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID uint) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ? AND user_id = ?", conversationID, userID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		if err := tx.Model(&models.UploadedFile{}).Where("conversation_id = ?", conv.ID).Pluck("file_name", &names).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.UploadedFile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&conv).Error
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Touch 把会话的 updatedAt 更新为当前时间并返回该时间。
func (s *ConversationService) Touch(ctx context.Context, conversationID uint) (time.Time, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", conversationID).Update("updated_at", now)
	if res.Error != nil {
		return time.Time{}, res.Error
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrConversationNotFound
	}
	return now, nil
}
