package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/logger"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/pool"
	"tempinbox/backend/internal/reaper"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/smtp"
	"tempinbox/backend/internal/storage/memory"
	redisstore "tempinbox/backend/internal/storage/redis"
	httptransport "tempinbox/backend/internal/transport/http"
	"tempinbox/backend/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// main 启动同时包含 HTTP API 与 SMTP 的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting tempinbox server",
		zap.String("domain", cfg.Inbox.Domain),
		zap.Duration("inbox_lifetime", cfg.Inbox.Lifetime),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	store := memory.NewStore()

	notifyPool := pool.NewWorkerPool(cfg.Notify.Workers, cfg.Notify.QueueSize, log.Named("notify"))
	notifyPool.OnPanic(func(any) { metrics.RecordPanic() })

	opts := []service.Option{service.WithWorkerPool(notifyPool)}

	// 新邮件事件发布（可选），Redis 不可用时只记录警告
	var publisher *redisstore.Publisher
	if cfg.Redis.Address != "" {
		rdb, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, new-mail events will not be published",
				zap.String("address", cfg.Redis.Address),
				zap.Error(err),
			)
		} else {
			publisher = redisstore.NewPublisher(rdb, cfg.Redis.Channel, log)
			opts = append(opts, service.WithPublisher(publisher))
			log.Info("redis publisher enabled", zap.String("address", cfg.Redis.Address))
		}
	}

	// Hub 需要查询收件箱，收件箱服务又需要向 Hub 推送，先创建服务再挂上通知器
	inboxService := service.NewInboxService(store, cfg.Inbox, log, metrics, opts...)
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, inboxService, log)
	inboxService.AddNotifier(wsHub)

	smtpServer := smtp.NewServer(cfg.SMTP, inboxService, cfg.Inbox.Domain, log, metrics)
	if err := smtpServer.Listen(); err != nil {
		log.Fatal("failed to bind SMTP listener", zap.Error(err))
	}

	healthChecker := health.NewHealthChecker(store, log)
	healthChecker.AddSMTPCheck(smtpServer.Addr())
	if publisher != nil {
		healthChecker.AddRedisCheck(publisher)
	}

	rateLimitCache := cache.NewLocalCache(2*cfg.HTTP.GenerateWindow, cfg.HTTP.GenerateWindow)
	defer rateLimitCache.Stop()

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		InboxService:   inboxService,
		WebSocketHub:   wsHub,
		Metrics:        metrics,
		Health:         healthChecker,
		RateLimitCache: rateLimitCache,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := reaper.New(store, cfg.Inbox.SweepInterval, log, metrics)

	group, groupCtx := errgroup.WithContext(ctx)

	notifyPool.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", cfg.HTTPAddr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", smtpServer.Addr()),
			zap.String("hostname", cfg.SMTP.Hostname),
		)
		return smtpServer.Serve()
	})

	// 过期收件箱清扫 goroutine
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
		}

		notifyPool.Stop()
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				log.Warn("redis publisher close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
