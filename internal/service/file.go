package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/blob"
	"github.com/minhdzvcl102/chatbot/internal/config"
	"github.com/minhdzvcl102/chatbot/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FileService 管理会话附件：元数据写数据库，内容写对象存储。
type FileService struct {
	db    *gorm.DB
	blobs blob.Store
	cfg   config.UploadConfig
	now   func() time.Time
}

func NewFileService(db *gorm.DB, blobs blob.Store, cfg config.UploadConfig) *FileService {
	return &FileService{db: db, blobs: blobs, cfg: cfg, now: time.Now}
}

// FileDTO 是对外输出的附件数据。
type FileDTO struct {
	ID           uint      `json:"id"`
	FileName     string    `json:"fileName"`
	OriginalName string    `json:"originalName"`
	FileSize     int64     `json:"fileSize"`
	MimeType     string    `json:"mimeType"`
	UploadedAt   time.Time `json:"uploadedAt"`
	IsDuplicate  bool      `json:"isDuplicate,omitempty"`
}

func toFileDTO(f models.UploadedFile) FileDTO {
	return FileDTO{
		ID:           f.ID,
		FileName:     f.FileName,
		OriginalName: f.OriginalName,
		FileSize:     f.FileSize,
		MimeType:     f.MimeType,
		UploadedAt:   f.UploadedAt,
	}
}

func (s *FileService) allowed(mimeType string) bool {
	if len(s.cfg.AllowedTypes) == 0 {
		return true
	}
	for _, t := range s.cfg.AllowedTypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

// blobName 生成 <userId>_<conversationId>_<unixMillis>_<随机后缀>.<ext>，同一毫秒内的上传也不会重名。
func blobName(userID, conversationID uint, now time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d_%d_%d_%s.%s", userID, conversationID, now.UnixMilli(), suffix, ext)
}

// Upload 保存附件。同一会话内内容哈希相同的文件只保存一次，重复上传返回已有记录。
func (s *FileService) Upload(ctx context.Context, userID, conversationID uint, originalName, mimeType string, data []byte) (*FileDTO, error) {
	if s.cfg.MaxBytes > 0 && int64(len(data)) > s.cfg.MaxBytes {
		return nil, ErrFileTooLarge
	}
	if !s.allowed(mimeType) {
		return nil, ErrFileTypeNotAllowed
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	db := s.db.WithContext(ctx)
	var existing models.UploadedFile
	err := db.Where("conversation_id = ? AND hash = ?", conversationID, hash).First(&existing).Error
	if err == nil {
		dto := toFileDTO(existing)
		dto.IsDuplicate = true
		return &dto, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now()
	ext := strings.TrimPrefix(filepath.Ext(originalName), ".")
	if ext == "" {
		ext = "bin"
	}
	name := blobName(userID, conversationID, now, ext)

	if _, err := s.blobs.Put(ctx, blob.Info{Name: name, ContentType: mimeType, OriginalName: originalName}, data); err != nil {
		return nil, err
	}

	rec := models.UploadedFile{
		ConversationID: conversationID,
		FileName:       name,
		OriginalName:   originalName,
		FileSize:       int64(len(data)),
		MimeType:       mimeType,
		Hash:           hash,
		UploadedAt:     now,
	}
	if err := db.Create(&rec).Error; err != nil {
		// name 由本次调用生成，删除不会波及其他附件。
		if derr := s.blobs.Delete(ctx, name); derr != nil {
			log.Warn().Err(derr).Str("file", name).Msg("cleanup orphaned blob")
		}
		return nil, err
	}
	dto := toFileDTO(rec)
	return &dto, nil
}

// List 返回会话的附件，最新上传的在前。
func (s *FileService) List(ctx context.Context, conversationID uint) ([]FileDTO, error) {
	var files []models.UploadedFile
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("uploaded_at desc, id desc").Find(&files).Error; err != nil {
		return nil, err
	}
	out := make([]FileDTO, 0, len(files))
	for _, f := range files {
		out = append(out, toFileDTO(f))
	}
	return out, nil
}

// Delete 删除会话中的一个附件。
func (s *FileService) Delete(ctx context.Context, conversationID, fileID uint) error {
	db := s.db.WithContext(ctx)
	var rec models.UploadedFile
	if err := db.Where("id = ? AND conversation_id = ?", fileID, conversationID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	if err := s.blobs.Delete(ctx, rec.FileName); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	return db.Delete(&rec).Error
}

// PurgeBlobs 删除会话删除后遗留的对象，失败只记录日志。
func (s *FileService) PurgeBlobs(ctx context.Context, names []string) {
	for _, name := range names {
		if err := s.blobs.Delete(ctx, name); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Warn().Err(err).Str("file", name).Msg("purge blob")
		}
	}
}

// Open 读取附件内容。
func (s *FileService) Open(ctx context.Context, name string) ([]byte, *blob.Info, error) {
	data, info, err := s.blobs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, err
	}
	return data, info, nil
}

// OpenOwned 读取附件内容，附件所属会话必须属于 userID。
func (s *FileService) OpenOwned(ctx context.Context, name string, userID uint) ([]byte, *blob.Info, *FileDTO, error) {
	var rec models.UploadedFile
	err := s.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = uploaded_files.conversation_id").
		Where("uploaded_files.file_name = ? AND conversations.user_id = ?", name, userID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, ErrFileNotFound
		}
		return nil, nil, nil, err
	}
	data, info, err := s.Open(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	dto := toFileDTO(rec)
	return data, info, &dto, nil
}
