package api

import (
	"net/http"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/api/handler"
	"github.com/qs3c/scent_sub_server/internal/api/middleware"
)

type Router struct {
	subscriptionHandler *handler.SubscriptionHandler
	callbackHandler     *handler.CallbackHandler
	cronHandler         *handler.CronHandler
	adminHandler        *handler.AdminHandler
	cfg                 *config.Config
}

func NewRouter(
	subscriptionHandler *handler.SubscriptionHandler,
	callbackHandler *handler.CallbackHandler,
	cronHandler *handler.CronHandler,
	adminHandler *handler.AdminHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		subscriptionHandler: subscriptionHandler,
		callbackHandler:     callbackHandler,
		cronHandler:         cronHandler,
		adminHandler:        adminHandler,
		cfg:                 cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		// 订阅（需要认证）
		subscriptions := api.Group("/subscriptions")
		subscriptions.Use(middleware.Auth(r.cfg.Auth.JWTSecret))
		{
			subscriptions.POST("", r.subscriptionHandler.Create)
			subscriptions.GET("/me", r.subscriptionHandler.Me)
			subscriptions.POST("/terminate", r.subscriptionHandler.Terminate)
		}

		// 金流回调（公开，内容以加密参数校验）
		period := api.Group("/payment/period")
		{
			period.POST("/notify", r.callbackHandler.Notify)
			period.POST("/return", r.callbackHandler.Return)
		}
	}

	// 定时任务
	cron := engine.Group("/api/cron")
	cron.Use(middleware.SecretAuth(r.cfg.Billing.CronSecretHash))
	{
		cron.GET("/charge-due", r.cronHandler.ChargeDue)
	}

	// 管理
	admin := engine.Group("/api/admin")
	admin.Use(middleware.SecretAuth(r.cfg.Billing.AdminSecretHash))
	{
		admin.POST("/backfill", r.adminHandler.Backfill)
	}

	return engine
}
