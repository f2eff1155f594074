package main

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/api"
	"github.com/qs3c/scent_sub_server/internal/api/handler"
	"github.com/qs3c/scent_sub_server/internal/database"
	"github.com/qs3c/scent_sub_server/internal/logger"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/repository"
	"github.com/qs3c/scent_sub_server/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志与 Sentry
	var hub *sentry.Hub
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			log.Fatalf("Failed to init sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
		hub = sentry.CurrentHub()
	}
	logger.Init(cfg.Log.Env, hub)

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	slog.Info("database connected", "driver", cfg.Database.Driver)

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	slog.Info("redis connected")

	// 初始化金流与队列
	cards := tappay.NewClient(&cfg.TapPay)
	periods := newebpay.NewClient(&cfg.NewebPay)
	notifications := queue.NewQueue(rdb, cfg.Queue.NotificationQueue)
	locker := lock.NewLocker(rdb, "billing:lock:")

	// 初始化 Repository 与 Service
	subRepo := repository.NewSubscriptionRepository(db)
	subService := service.NewSubscriptionService(subRepo, cards, notifications, locker, cfg.Billing)
	reconcileService := service.NewReconcileService(subRepo, cards, periods, locker, cfg.Billing)

	// 初始化 Router
	router := api.NewRouter(
		handler.NewSubscriptionHandler(subService, reconcileService),
		handler.NewCallbackHandler(reconcileService, cfg.Server.ResultPageURL),
		handler.NewCronHandler(reconcileService),
		handler.NewAdminHandler(reconcileService),
		cfg,
	)
	engine := router.Setup()

	// 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("server starting", "addr", addr)
	if err := engine.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
