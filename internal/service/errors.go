package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或 ws error 事件。
var (
	ErrUsernameTaken        = errors.New("username taken")
	ErrEmailTaken           = errors.New("email taken")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found or unauthorized")
	ErrTitleRequired        = errors.New("title is required")
	ErrEmptyContent         = errors.New("message content is required")
	ErrInvalidRole          = errors.New(`role must be either "user" or "assistant"`)
	ErrMessageNotFound      = errors.New("message not found")
	ErrFileNotFound         = errors.New("file not found")
	ErrFileTooLarge         = errors.New("file too large")
	ErrFileTypeNotAllowed   = errors.New("file type not allowed")
)
