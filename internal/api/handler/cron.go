package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/service"
)

type CronHandler struct {
	reconcileService *service.ReconcileService
}

func NewCronHandler(reconcileService *service.ReconcileService) *CronHandler {
	return &CronHandler{reconcileService: reconcileService}
}

// ChargeDue 对到期订阅批量扣款
// GET /api/cron/charge-due
func (h *CronHandler) ChargeDue(c *gin.Context) {
	summary, err := h.reconcileService.ChargeDue(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			c.JSON(http.StatusConflict, failedSummary("charge-due is already running", "run in progress"))
			return
		}
		slog.Error("charge-due failed", "source", "billing", "error", err)
		c.JSON(http.StatusInternalServerError, failedSummary("charge-due failed", "internal error"))
		return
	}

	c.JSON(http.StatusOK, summary)
}

func failedSummary(message, reason string) dto.ChargeSummary {
	return dto.ChargeSummary{
		Message:     message,
		Subscribers: []dto.ChargeOutcome{},
		Error:       &reason,
	}
}
