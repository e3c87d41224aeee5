package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/minhdzvcl102/chatbot/internal/auth"
	"github.com/minhdzvcl102/chatbot/internal/config"
	"github.com/minhdzvcl102/chatbot/internal/metrics"
	"github.com/minhdzvcl102/chatbot/internal/mw"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/minhdzvcl102/chatbot/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps 是路由需要的外部依赖，service 实例与 Hub 共用同一组。Limiter 为 nil 时不限速。
type Deps struct {
	DB            *gorm.DB
	Users         *service.UserService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Files         *service.FileService
	Hub           *ws.Hub
	AI            AIProbe
	Limiter       *mw.Limiter
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.FrontendOrigin))
	r.MaxMultipartMemory = cfg.Upload.MaxBytes + 1<<20

	var limit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		limit = d.Limiter.Middleware()
	}

	h := NewHandler(cfg, d.Users, d.Conversations, d.Messages, d.Files, d.Hub, d.AI)
	requireUser := auth.AuthMiddleware(cfg.JWTSecret, d.DB)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", limit, ws.Serve(d.Hub, d.DB, cfg.JWTSecret))
	r.GET("/files/:name", requireUser, limit, h.ServeFile)

	public := r.Group("/api/v1/auth", limit)
	public.POST("/register", h.Register)
	public.POST("/login", h.Login)
	public.POST("/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口，按用户限速。
	api := r.Group("/api/v1", requireUser, limit)
	api.GET("/me", h.Me)
	api.GET("/stats", h.Stats)

	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations", h.CreateConversation)
	api.PATCH("/conversations/:id", h.RenameConversation)
	api.DELETE("/conversations/:id", h.DeleteConversation)

	api.GET("/conversations/:id/messages", h.ListMessages)
	api.POST("/conversations/:id/messages", h.CreateMessage)

	api.GET("/conversations/:id/files", h.ListFiles)
	api.POST("/conversations/:id/files", h.UploadFile)
	api.DELETE("/conversations/:id/files/:fileId", h.DeleteFile)

	r.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "not found"}) })
	return r
}
