package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/airelay"
	"github.com/minhdzvcl102/chatbot/internal/blob"
	"github.com/minhdzvcl102/chatbot/internal/config"
	"github.com/minhdzvcl102/chatbot/internal/db"
	"github.com/minhdzvcl102/chatbot/internal/dedupe"
	clog "github.com/minhdzvcl102/chatbot/internal/log"
	"github.com/minhdzvcl102/chatbot/internal/mw"
	"github.com/minhdzvcl102/chatbot/internal/presence"
	"github.com/minhdzvcl102/chatbot/internal/server"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/minhdzvcl102/chatbot/internal/ws"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	l := clog.Component("main")
	if err := config.Validate(cfg); err != nil {
		l.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		l.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		l.Fatal().Err(err).Msg("db migrate")
	}

	var blobs blob.Store = blob.NewMemoryStore()
	if cfg.Blob.Backend == "nats" {
		js, err := blob.NewJetStreamStore(ctx, cfg.Blob.NATSURL, cfg.Blob.Bucket)
		if err != nil {
			l.Fatal().Err(err).Str("url", cfg.Blob.NATSURL).Msg("blob store")
		}
		defer js.Close()
		blobs = js
	}

	users := service.NewUserService(gdb, cfg)
	convs := service.NewConversationService(gdb)
	msgs := service.NewMessageService(gdb)
	files := service.NewFileService(gdb, blobs, cfg.Upload)

	ai := airelay.New(airelay.Config{
		Addr:         cfg.AI.Addr(),
		Timeout:      cfg.AI.Timeout(),
		ProbeTimeout: cfg.AI.ProbeTimeout(),
	})
	seen := dedupe.New(time.Duration(cfg.DedupeTTLSeconds)*time.Second, 10000)
	defer seen.Close()
	hub := ws.NewHub(service.NewGateway(users, convs, msgs), ai, presence.NewRegistry(), seen)

	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	defer limiter.Stop()

	r := server.SetupRouter(cfg, server.Deps{
		DB:            gdb,
		Users:         users,
		Conversations: convs,
		Messages:      msgs,
		Files:         files,
		Hub:           hub,
		AI:            ai,
		Limiter:       limiter,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("addr", srv.Addr).Str("ai", cfg.AI.Addr()).Str("blob", cfg.Blob.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down")
		hub.BroadcastSystem("Server is shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	l.Info().Msg("bye")
}
