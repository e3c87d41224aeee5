package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minhdzvcl102/chatbot/internal/airelay"
	"github.com/minhdzvcl102/chatbot/internal/auth"
	"github.com/minhdzvcl102/chatbot/internal/config"
	"github.com/minhdzvcl102/chatbot/internal/models"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/minhdzvcl102/chatbot/internal/ws"
	"github.com/rs/zerolog/log"
)

// AIProbe 用于健康检查与统计，由 airelay.Client 实现。
type AIProbe interface {
	Probe(ctx context.Context) bool
	Config() airelay.Config
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg     config.Config
	userSvc *service.UserService
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
	fileSvc *service.FileService
	hub     *ws.Hub
	ai      AIProbe
}

func NewHandler(cfg config.Config, users *service.UserService, convs *service.ConversationService, msgs *service.MessageService, files *service.FileService, hub *ws.Hub, ai AIProbe) *Handler {
	return &Handler{cfg: cfg, userSvc: users, convSvc: convs, msgSvc: msgs, fileSvc: files, hub: hub, ai: ai}
}

// fail 把业务错误映射为 HTTP 状态码，未知错误只记录日志，不把内部信息返回给客户端。
func fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, service.ErrMessageNotFound), errors.Is(err, service.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTitleRequired), errors.Is(err, service.ErrEmptyContent), errors.Is(err, service.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrFileTypeNotAllowed):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// Healthz 返回服务状态以及 AI 进程是否可达。
func (h *Handler) Healthz(c *gin.Context) {
	aiUp := h.ai.Probe(c.Request.Context())
	status := "ok"
	if !aiUp {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "ai": aiUp, "timestamp": time.Now().UTC()})
}

// Stats 返回实时层统计与 AI 中继配置。
func (h *Handler) Stats(c *gin.Context) {
	ai := h.ai.Config()
	c.JSON(http.StatusOK, gin.H{
		"realtime": h.hub.Stats(),
		"ai": gin.H{
			"addr":           ai.Addr,
			"timeoutSeconds": int(ai.Timeout / time.Second),
		},
	})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username, email and password are required"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if len(req.Password) < 6 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		case errors.Is(err, service.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		}
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Login 接受用户名或邮箱登录。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	identifier := strings.TrimSpace(req.Username)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}
	if identifier == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), identifier, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("identifier", identifier).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username, "email": result.User.Email},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	u, ok := auth.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username, "email": u.Email, "createdAt": u.CreatedAt})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Title) > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title too long"})
		return
	}
	conv, err := h.convSvc.Create(c.Request.Context(), auth.GetUserID(c), req.Title)
	if err != nil {
		fail(c, err, "create conversation")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) RenameConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.convSvc.Rename(c.Request.Context(), id, auth.GetUserID(c), req.Title); err != nil {
		fail(c, err, "rename conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "title": strings.TrimSpace(req.Title)})
}

// DeleteConversation 删除会话，并清理对象存储中的附件。
func (h *Handler) DeleteConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	names, err := h.convSvc.Delete(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "delete conversation")
		return
	}
	h.fileSvc.PurgeBlobs(c.Request.Context(), names)
	c.Status(http.StatusNoContent)
}

// ownedConversation 校验路径中的会话属于当前用户。
func (h *Handler) ownedConversation(c *gin.Context) (uint, bool) {
	id, ok := idParam(c, "id")
	if !ok {
		return 0, false
	}
	if _, err := h.convSvc.ForUser(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, err, "load conversation")
		return 0, false
	}
	return id, true
}

// ListMessages 分页返回会话消息，limit 默认 50、最大 200。
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if v, err := strconv.ParseUint(c.Query("before_id"), 10, 64); err == nil {
		beforeID = uint(v)
	}
	msgs, err := h.msgSvc.List(c.Request.Context(), id, limit, beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateMessage 通过 REST 写入一条消息，不会触发 AI 回复。
func (h *Handler) CreateMessage(c *gin.Context) {
	id, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	var req struct {
		Role    models.Role `json:"role"`
		Content string      `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	msg, err := h.msgSvc.Create(c.Request.Context(), id, req.Role, req.Content, nil)
	if err != nil {
		fail(c, err, "create message")
		return
	}
	if _, err := h.convSvc.Touch(c.Request.Context(), id); err != nil {
		log.Warn().Err(err).Uint("conversation_id", id).Msg("touch conversation")
	}
	c.JSON(http.StatusCreated, service.ToMessageDTO(*msg))
}

// UploadFile 接收 multipart 字段 file。
func (h *Handler) UploadFile(c *gin.Context) {
	id, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	limit := h.cfg.Upload.MaxBytes
	if limit > 0 && fh.Size > limit {
		fail(c, service.ErrFileTooLarge, "upload file")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err, "upload file")
		return
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		fail(c, err, "upload file")
		return
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	dto, err := h.fileSvc.Upload(c.Request.Context(), auth.GetUserID(c), id, fh.Filename, mimeType, data)
	if err != nil {
		fail(c, err, "upload file")
		return
	}
	status := http.StatusCreated
	if dto.IsDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"file": dto})
}

func (h *Handler) ListFiles(c *gin.Context) {
	id, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	files, err := h.fileSvc.List(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "list files")
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *Handler) DeleteFile(c *gin.Context) {
	id, ok := h.ownedConversation(c)
	if !ok {
		return
	}
	fileID, ok := idParam(c, "fileId")
	if !ok {
		return
	}
	if err := h.fileSvc.Delete(c.Request.Context(), id, fileID); err != nil {
		fail(c, err, "delete file")
		return
	}
	c.Status(http.StatusNoContent)
}

// ServeFile 返回附件内容，只允许会话拥有者下载。
func (h *Handler) ServeFile(c *gin.Context) {
	data, info, dto, err := h.fileSvc.OpenOwned(c.Request.Context(), c.Param("name"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "open file")
		return
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = dto.MimeType
	}
	c.Header("Content-Disposition", `inline; filename="`+strings.ReplaceAll(dto.OriginalName, `"`, "")+`"`)
	c.Data(http.StatusOK, contentType, data)
}
