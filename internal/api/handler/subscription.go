package handler

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/scent_sub_server/internal/api/middleware"
	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/response"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/service"
)

type SubscriptionHandler struct {
	subService       *service.SubscriptionService
	reconcileService *service.ReconcileService
}

func NewSubscriptionHandler(subService *service.SubscriptionService, reconcileService *service.ReconcileService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subService:       subService,
		reconcileService: reconcileService,
	}
}

// Create 首期扣款并建立订阅
// POST /api/v1/subscriptions
func (h *SubscriptionHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	info, err := h.subService.Subscribe(c.Request.Context(), userID, &req)
	if err != nil {
		var decline *tappay.DeclineError
		switch {
		case errors.As(err, &decline):
			response.PaymentDeclined(c, decline.Message, gin.H{"status": decline.Status})
		case errors.Is(err, service.ErrAlreadySubscribed):
			response.DuplicateError(c, err.Error())
		default:
			h.writeBillingError(c, err)
		}
		return
	}

	response.SuccessWithMessage(c, "订阅成功", info)
}

// Me 获取当前用户的订阅
// GET /api/v1/subscriptions/me
func (h *SubscriptionHandler) Me(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	info, err := h.subService.GetStatus(userID)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			response.NotFoundError(c, err.Error())
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, info)
}

// Terminate 终止定期定额委托
// POST /api/v1/subscriptions/terminate
func (h *SubscriptionHandler) Terminate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	sub, err := h.reconcileService.Terminate(c.Request.Context(), userID)
	if err != nil {
		var statusErr *newebpay.StatusError
		switch {
		case errors.As(err, &statusErr):
			response.ErrorWithData(c, response.CodeGatewayError, statusErr.Message, gin.H{"status": statusErr.Status})
		case errors.Is(err, service.ErrNoActiveSubscription):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrTerminated):
			response.DuplicateError(c, err.Error())
		case errors.Is(err, service.ErrMissingPeriodInfo):
			response.DataIntegrityError(c, err.Error())
		default:
			h.writeBillingError(c, err)
		}
		return
	}

	response.SuccessWithMessage(c, "订阅已终止", gin.H{
		"subscription_status": sub.SubscriptionStatus,
		"payment_status":      sub.PaymentStatus,
	})
}

func (h *SubscriptionHandler) writeBillingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrBusy):
		response.BusyError(c)
	case errors.Is(err, service.ErrGatewayUnavailable):
		response.GatewayError(c)
	case errors.Is(err, service.ErrReconcileDiscrepancy):
		response.ServerError(c, "付款已完成但订阅资料更新失败，请联系客服")
	default:
		slog.Error("subscription request failed", "path", c.Request.URL.Path, "error", err)
		response.ServerError(c, "")
	}
}
