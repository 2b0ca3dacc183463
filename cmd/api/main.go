package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messenger-platform/internal/audit"
	"messenger-platform/internal/auth"
	"messenger-platform/internal/calls"
	"messenger-platform/internal/config"
	"messenger-platform/internal/conversation"
	"messenger-platform/internal/httpapi"
	"messenger-platform/internal/notify"
	"messenger-platform/internal/presence"
	"messenger-platform/internal/scheduler"
	"messenger-platform/internal/user"
	"messenger-platform/internal/ws"
	"messenger-platform/pkg/logger"
	"messenger-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPool{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Services
	users := user.NewService(user.NewPostgresRepo(db))
	conversations := conversation.NewService(conversation.NewPostgresRepo(db))
	presenceSvc := presence.NewService(rdb, cfg.Presence.HeartbeatTTL)
	publisher := notify.NewRedisPublisher(rdb)
	queue := scheduler.NewRedisScheduler(rdb)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	coordinator := calls.NewCoordinator(
		calls.NewPostgresStore(db),
		conversations,
		conversations,
		presenceSvc,
		publisher,
		queue,
		auditSvc,
		cfg.Call.RingTimeout,
		log,
	)

	// Background worker for durable delayed tasks (ring timeouts).
	worker := scheduler.NewWorker(queue, cfg.Scheduler.PollInterval, cfg.Scheduler.VisibilityTimeout, log)
	if err := calls.RegisterTimeoutHandler(worker, coordinator); err != nil {
		log.Error("timeout handler registration failed", "err", err)
		os.Exit(1)
	}
	go worker.Run(rootCtx)

	gateway := ws.NewGateway(rdb, presenceSvc, cfg.Presence.HeartbeatTTL)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		db:        db,
		authMW:    auth.RequireAccessToken(authManager),
		api:       httpapi.Handlers{Auth: authManager, Users: users, Conversations: conversations, Presence: presenceSvc},
		callAPI:   calls.Handlers{Calls: coordinator},
		gateway:   gateway,
		dbTimeout: 2 * time.Second,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
