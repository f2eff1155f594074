package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/scent_sub_server/internal/pkg/response"
	"github.com/qs3c/scent_sub_server/internal/service"
)

type AdminHandler struct {
	reconcileService *service.ReconcileService
}

func NewAdminHandler(reconcileService *service.ReconcileService) *AdminHandler {
	return &AdminHandler{reconcileService: reconcileService}
}

// Backfill 依 payment_data 回填扣款日期
// POST /api/admin/backfill
func (h *AdminHandler) Backfill(c *gin.Context) {
	report, err := h.reconcileService.Backfill(c.Request.Context())
	if err != nil {
		slog.Error("backfill failed", "source", "billing", "error", err)
		response.ServerError(c, "")
		return
	}

	response.Success(c, report)
}
