package models

import "time"

// Role 标识消息作者：用户本人或 AI 助手。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	Title     string `gorm:"size:255;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message 创建后不再修改，仅随会话一起删除。
type Message struct {
	ID             uint    `gorm:"primaryKey"`
	ConversationID uint    `gorm:"index:idx_msg_conversation_id;not null"`
	Role           Role    `gorm:"size:16;not null"`
	Content        string  `gorm:"type:text;not null"`
	ChartImage     *string `gorm:"type:text"`
	CreatedAt      time.Time
}

type UploadedFile struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID uint   `gorm:"index;not null"`
	FileName       string `gorm:"uniqueIndex;size:255;not null"`
	OriginalName   string `gorm:"size:255;not null"`
	FileSize       int64  `gorm:"not null"`
	MimeType       string `gorm:"size:128;not null"`
	Hash           string `gorm:"index;size:64"`
	UploadedAt     time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
