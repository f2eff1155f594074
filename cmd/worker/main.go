package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/database"
	"github.com/qs3c/scent_sub_server/internal/logger"
	"github.com/qs3c/scent_sub_server/internal/pkg/cron"
	"github.com/qs3c/scent_sub_server/internal/pkg/email"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/repository"
	"github.com/qs3c/scent_sub_server/internal/service"
	"github.com/qs3c/scent_sub_server/internal/worker"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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
	slog.Info("database connected", "driver", cfg.Database.Driver)

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	slog.Info("redis connected")

	loc := cfg.Billing.Location()
	locker := lock.NewLocker(rdb, "billing:lock:")
	reconcileService := service.NewReconcileService(
		repository.NewSubscriptionRepository(db),
		tappay.NewClient(&cfg.TapPay),
		newebpay.NewClient(&cfg.NewebPay),
		locker,
		cfg.Billing,
	)

	// 定时扣款
	scheduler := cron.NewService(reconcileService, cfg.Billing.CronSpec, loc, cfg.Billing.RunLockTTL())
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	slog.Info("next charge-due run", "at", scheduler.NextRun())

	// 通知消费
	notifications := queue.NewQueue(rdb, cfg.Queue.NotificationQueue)
	processor := worker.NewProcessor(email.NewService(&cfg.Email, loc))
	pool := worker.NewPool(notifications, processor, cfg.Queue.MaxWorkers)

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal")
		cancel()
	}()

	slog.Info("worker started", "max_workers", cfg.Queue.MaxWorkers)
	pool.Run(ctx)

	scheduler.Stop()
	slog.Info("worker shutdown complete")
}
