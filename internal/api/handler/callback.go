package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/scent_sub_server/internal/pkg/response"
	"github.com/qs3c/scent_sub_server/internal/service"
)

const periodField = "Period"

type CallbackHandler struct {
	reconcileService *service.ReconcileService
	resultPageURL    string
}

func NewCallbackHandler(reconcileService *service.ReconcileService, resultPageURL string) *CallbackHandler {
	return &CallbackHandler{
		reconcileService: reconcileService,
		resultPageURL:    resultPageURL,
	}
}

// Notify 定期定额每期授权通知
// POST /api/v1/payment/period/notify
func (h *CallbackHandler) Notify(c *gin.Context) {
	payload := c.PostForm(periodField)
	if payload == "" {
		slog.Warn("unknown callback payload", "source", "webhook", "content_type", c.ContentType())
		response.CallbackFail(c, http.StatusBadRequest, "unknown callback payload", nil)
		return
	}

	resp, err := h.reconcileService.DecodePeriod(payload)
	if err != nil {
		response.CallbackFail(c, http.StatusBadRequest, "invalid period payload", nil)
		return
	}

	sub, err := h.reconcileService.HandlePeriodNotification(c.Request.Context(), resp)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCallbackRejected):
			response.CallbackFail(c, http.StatusBadRequest, resp.Message, gin.H{
				"status":    resp.Status,
				"period_no": resp.Result.PeriodNo.String(),
			})
		case errors.Is(err, service.ErrInvalidCallback):
			response.CallbackFail(c, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, service.ErrUnmatchedPeriod):
			response.CallbackFail(c, http.StatusNotFound, err.Error(), nil)
		case errors.Is(err, service.ErrNoActiveSubscription):
			response.CallbackFail(c, http.StatusConflict, err.Error(), nil)
		case errors.Is(err, service.ErrBusy):
			response.CallbackFail(c, http.StatusServiceUnavailable, err.Error(), nil)
		default:
			response.CallbackFail(c, http.StatusInternalServerError, "internal error", nil)
		}
		return
	}

	response.CallbackOK(c, "ok", gin.H{
		"period_no":           sub.PeriodNoValue(),
		"subscription_status": sub.SubscriptionStatus,
		"payment_status":      sub.PaymentStatus,
		"next_payment_date":   sub.NextPaymentDate,
	})
}

// Return 委托建立后浏览器回传，绑定 period_no 后导向结果页
// POST /api/v1/payment/period/return
func (h *CallbackHandler) Return(c *gin.Context) {
	payload := c.PostForm(periodField)
	if payload == "" {
		slog.Warn("period return without payload", "source", "webhook")
		h.redirectResult(c, false, "")
		return
	}

	resp, err := h.reconcileService.DecodePeriod(payload)
	if err != nil {
		h.redirectResult(c, false, "")
		return
	}

	result, err := h.reconcileService.BindPeriod(c.Request.Context(), resp)
	if err != nil {
		slog.Warn("period binding failed",
			"source", "webhook",
			"merchant_order_no", resp.Result.MerchantOrderNo.String(),
			"error", err,
		)
		h.redirectResult(c, false, resp.Result.MerchantOrderNo.String())
		return
	}

	h.redirectResult(c, result.Success, result.MerchantOrderNo)
}

func (h *CallbackHandler) redirectResult(c *gin.Context, ok bool, orderNo string) {
	status := "failed"
	if ok {
		status = "success"
	}

	target, err := url.Parse(h.resultPageURL)
	if err != nil || h.resultPageURL == "" {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set("status", status)
	if orderNo != "" {
		q.Set("order", orderNo)
	}
	target.RawQuery = q.Encode()

	c.Redirect(http.StatusSeeOther, target.String())
}
